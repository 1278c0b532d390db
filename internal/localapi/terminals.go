package localapi

import "taskdeck/internal/ptyexec"

// ProcessSource finds the pty process behind a launched task.
type ProcessSource interface {
	Process(taskID string) (*ptyexec.Process, error)
}

// Processes serves terminals straight from a ProcessSource.
func Processes(src ProcessSource) TerminalSource {
	return processTerminals{src: src}
}

type processTerminals struct {
	src ProcessSource
}

func (p processTerminals) Terminal(taskID string) (Terminal, error) {
	proc, err := p.src.Process(taskID)
	if err != nil {
		return nil, err
	}
	return proc, nil
}
