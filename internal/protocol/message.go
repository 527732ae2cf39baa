package protocol

import (
	"encoding/json"

	"golang.org/x/xerrors"
)

type Type string

const (
	TypeContractDescription Type = "contract_description"
	TypeJobStatus           Type = "job_status"
	TypeCommand             Type = "command"
	TypeCommandResult       Type = "command_result"
)

// Job status values sent by a contractor in reply to a contract description.
const (
	StatusExecuting = "executing"
	StatusRejected  = "rejected"
)

// Command result values.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// Object is an arbitrary JSON object: contract descriptions, contractor info,
// commands and their results.
type Object = map[string]any

type Message struct {
	Type        Type            `json:"type"`
	Description json.RawMessage `json:"description,omitempty"`        // contract_description
	Status      string          `json:"status,omitempty"`             // job_status, command_result
	Info        json.RawMessage `json:"info,omitempty"`               // job_status: object or string
	Command     json.RawMessage `json:"command,omitempty"`            // command
	Result      json.RawMessage `json:"result_description,omitempty"` // command_result
}

func NewContractDescription(desc Object) (Message, error) {
	b, err := marshalObject(desc)
	if err != nil {
		return Message{}, err
	}
	return Message{Type: TypeContractDescription, Description: b}, nil
}

// NewJobStatus builds a job_status message. Info is an object for executing
// and a plain string for rejected.
func NewJobStatus(status string, info any) (Message, error) {
	b, err := json.Marshal(info)
	if err != nil {
		return Message{}, err
	}
	return Message{Type: TypeJobStatus, Status: status, Info: b}, nil
}

func NewCommand(cmd Object) (Message, error) {
	b, err := marshalObject(cmd)
	if err != nil {
		return Message{}, err
	}
	return Message{Type: TypeCommand, Command: b}, nil
}

func NewCommandResult(status string, result Object) (Message, error) {
	b, err := marshalObject(result)
	if err != nil {
		return Message{}, err
	}
	return Message{Type: TypeCommandResult, Status: status, Result: b}, nil
}

func marshalObject(o Object) (json.RawMessage, error) {
	if o == nil {
		o = Object{}
	}
	return json.Marshal(o)
}

func (m Message) ValidateBasic() error {
	if m.Type == "" {
		return xerrors.New("missing type")
	}
	switch m.Type {
	case TypeContractDescription:
		if len(m.Description) == 0 {
			return xerrors.New("contract_description missing description")
		}
	case TypeJobStatus:
		if m.Status != StatusExecuting && m.Status != StatusRejected {
			return xerrors.Errorf("job_status has invalid status %q", m.Status)
		}
	case TypeCommand:
		if len(m.Command) == 0 {
			return xerrors.New("command missing command")
		}
	case TypeCommandResult:
		if m.Status != ResultSuccess && m.Status != ResultFailure {
			return xerrors.Errorf("command_result has invalid status %q", m.Status)
		}
		if len(m.Result) == 0 {
			return xerrors.New("command_result missing result_description")
		}
	default:
		return xerrors.Errorf("unknown type: %s", m.Type)
	}
	return nil
}

// Expect checks that m is a valid message of type t.
func (m Message) Expect(t Type) error {
	if m.Type != t {
		return xerrors.Errorf("unexpected message type %q, expected %q", m.Type, t)
	}
	return m.ValidateBasic()
}

// DescriptionObject decodes the description of a contract_description message.
func (m Message) DescriptionObject() (Object, error) {
	return decodeObject("description", m.Description)
}

func (m Message) CommandObject() (Object, error) {
	return decodeObject("command", m.Command)
}

func (m Message) ResultObject() (Object, error) {
	return decodeObject("result_description", m.Result)
}

// InfoObject decodes the info of an executing job_status.
func (m Message) InfoObject() (Object, error) {
	return decodeObject("info", m.Info)
}

// InfoString returns the rejection message of a rejected job_status. Non-string
// infos are returned in their JSON form.
func (m Message) InfoString() string {
	var s string
	if err := json.Unmarshal(m.Info, &s); err == nil {
		return s
	}
	return string(m.Info)
}

func decodeObject(field string, raw json.RawMessage) (Object, error) {
	var o Object
	if err := json.Unmarshal(raw, &o); err != nil {
		return nil, xerrors.Errorf("decode %s: %w", field, err)
	}
	if o == nil {
		return nil, xerrors.Errorf("%s is not an object", field)
	}
	return o, nil
}
