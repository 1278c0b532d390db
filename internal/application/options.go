package application

import "log/slog"

// StartOptions defines startup options for the task server.
type StartOptions struct {
	ConfigDir string
	// DataDir holds the database and task logs. Defaults to ConfigDir.
	DataDir      string
	DBDSN        string
	LocalHost    string
	LocalPort    int
	APIToken     string
	OTLPEndpoint string
	Version      string
	WebUI        WebUIOptions
	Logger       *slog.Logger
}

type WebUIOptions struct {
	Mode        string
	DevProxyURL string
	DistDir     string
}
