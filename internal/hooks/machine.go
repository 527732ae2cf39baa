package hooks

import "context"

// PowerControl switches a machine with a pair of commands.
type PowerControl struct {
	Runner Runner
	On     Command
	Off    Command
	Params Params
}

func (p *PowerControl) PowerOn(ctx context.Context) error {
	return p.Runner.Run(ctx, p.On, p.Params)
}

func (p *PowerControl) PowerOff(ctx context.Context) error {
	return p.Runner.Run(ctx, p.Off, p.Params)
}

// RemoteShutdown halts the OS of a machine with a command, typically ssh.
type RemoteShutdown struct {
	Runner  Runner
	Command Command
	Params  Params
}

func (r *RemoteShutdown) Shutdown(ctx context.Context) error {
	return r.Runner.Run(ctx, r.Command, r.Params)
}
