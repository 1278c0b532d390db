package db

// Task is the persisted row behind protocol.Task. Times are unix millis; zero
// means unset. PID and ExitCode use -1 for unset so the zero value stays valid.
type Task struct {
	TaskID    string `gorm:"column:task_id;primaryKey"`
	Name      string `gorm:"column:name;not null;default:''"`
	Command   string `gorm:"column:command;not null;default:''"`
	ArgsJSON  string `gorm:"column:args_json;not null;default:'[]'"`
	EnvType   string `gorm:"column:env_type;not null;default:'shell'"`
	EnvName   string `gorm:"column:env_name;not null;default:''"`
	Cwd       string `gorm:"column:cwd;not null;default:'.'"`
	Status    string `gorm:"column:status;not null;default:'Created'"`
	Source    string `gorm:"column:source;not null;default:'launch'"`
	PID       int    `gorm:"column:pid;not null;default:-1"`
	ExitCode  int    `gorm:"column:exit_code;not null;default:-1"`
	CreatedAt int64  `gorm:"column:created_at;not null;default:0"`
	StartedAt int64  `gorm:"column:started_at;not null;default:0"`
	EndedAt   int64  `gorm:"column:ended_at;not null;default:0"`
}

func (Task) TableName() string { return "tasks" }
