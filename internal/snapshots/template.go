// Package snapshots sells machine time on the market: it matches contract
// descriptions against the disk snapshots it can boot, boots the machine on
// a fresh child disk and keeps or discards that disk at the contractee's
// command.
package snapshots

import (
	"context"
	"errors"
	"fmt"
	"strings"

	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/xerrors"

	"github.com/faradayfan/arm-market/internal/protocol"
	"github.com/faradayfan/arm-market/internal/storage"
)

var log = logging.Logger("snapshots")

type Verdict int

const (
	// NoMatch means the template does not serve this kind of contract.
	NoMatch Verdict = iota
	// Infeasible means the template serves this kind of contract but can't
	// serve this one. The contract is rejected with the reason.
	Infeasible
	Matched
)

func (v Verdict) String() string {
	switch v {
	case NoMatch:
		return "no match"
	case Infeasible:
		return "infeasible"
	case Matched:
		return "matched"
	}
	return fmt.Sprintf("verdict(%d)", int(v))
}

// Match is the outcome of offering a contract description to a template.
// Snapshot is set only when Verdict is Matched.
type Match struct {
	Verdict  Verdict
	Reason   string
	Snapshot *Snapshot
}

func noMatch(format string, args ...any) Match {
	return Match{Verdict: NoMatch, Reason: fmt.Sprintf(format, args...)}
}

func infeasible(format string, args ...any) Match {
	return Match{Verdict: Infeasible, Reason: fmt.Sprintf(format, args...)}
}

// ContractTemplate decides whether a contract can be served. An error means
// the template failed unexpectedly; the contract is then ignored.
type ContractTemplate interface {
	Accept(ctx context.Context, desc protocol.Object) (Match, error)
}

// SnapshotTemplate serves contracts for one (model, arch, os) triple by
// booting a new child of the disk named by disk_stems.
type SnapshotTemplate struct {
	Model string
	Arch  string
	OS    string
	Boot  BootTemplate
}

func (t *SnapshotTemplate) String() string {
	return fmt.Sprintf("snapshot template %s/%s/%s", t.Model, t.Arch, t.OS)
}

func (t *SnapshotTemplate) Accept(_ context.Context, desc protocol.Object) (Match, error) {
	key := descriptionKey(desc)
	if key != [3]string{t.Model, t.Arch, t.OS} {
		return noMatch("%s: ignore contract key %v", t, key), nil
	}
	stems, err := diskStems(desc)
	if err != nil {
		return infeasible("%s: %v", t, err), nil
	}
	cfg, err := t.Boot.Configure(stems)
	switch {
	case errors.Is(err, storage.ErrSnapshotAlreadyPending):
		return infeasible("%s: snapshot for %v is already being created", t, stems), nil
	case errors.Is(err, storage.ErrParentNotExist):
		return infeasible("%s: can't find snapshot for %v", t, stems), nil
	case errors.Is(err, storage.ErrChildExists):
		return infeasible("%s: snapshot for %v already exists", t, stems), nil
	case errors.Is(err, storage.ErrInvalidName):
		return infeasible("%s: %v", t, err), nil
	case err != nil:
		return Match{}, err
	}
	return Match{Verdict: Matched, Snapshot: &Snapshot{config: cfg, stems: stems}}, nil
}

func descriptionKey(desc protocol.Object) [3]string {
	var key [3]string
	for i, k := range []string{protocol.KeyModel, protocol.KeyArch, protocol.KeyOS} {
		key[i], _ = desc[k].(string)
	}
	return key
}

func diskStems(desc protocol.Object) ([]string, error) {
	raw, ok := desc[protocol.KeyDiskStems].([]any)
	if !ok || len(raw) == 0 {
		return nil, xerrors.Errorf("%s must be a non-empty list of names, got %v", protocol.KeyDiskStems, desc[protocol.KeyDiskStems])
	}
	stems := make([]string, 0, len(raw))
	for _, s := range raw {
		name, ok := s.(string)
		if !ok {
			return nil, xerrors.Errorf("%s must contain names only, got %v", protocol.KeyDiskStems, s)
		}
		stems = append(stems, name)
	}
	return stems, nil
}

// NamedTemplate restricts its templates to contracts that ask for a
// contractor by name.
type NamedTemplate struct {
	Name      string
	Templates []ContractTemplate
}

func (t *NamedTemplate) String() string {
	return "named template " + t.Name
}

func (t *NamedTemplate) Accept(ctx context.Context, desc protocol.Object) (Match, error) {
	name, _ := desc[protocol.KeyName].(string)
	if name != t.Name {
		return noMatch("%s: ignore contract name %q", t, name), nil
	}
	for _, inner := range t.Templates {
		m, err := inner.Accept(ctx, desc)
		if err != nil || m.Verdict != NoMatch {
			return m, err
		}
		log.Debugw("template can't serve contract", "template", inner, "reason", m.Reason)
	}
	key := descriptionKey(desc)
	return infeasible("%s: can't find snapshot for %s", t, strings.Join(key[:], "/")), nil
}
