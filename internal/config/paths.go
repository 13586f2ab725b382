package config

import (
	"fmt"
	"path/filepath"
	"time"
)

// Paths resolves the on-disk layout under <project>/.drover/.
// Everything local is a cache or journal; the store stays canonical.
type Paths struct {
	Root string
}

// NewPaths returns the layout rooted at the project directory.
func NewPaths(projectDir string) Paths {
	return Paths{Root: filepath.Join(projectDir, DroverDir)}
}

// StateDir returns the paths for this config's project.
func (c *Config) StateDir() Paths {
	return NewPaths(c.projectDir)
}

// ProjectDir returns the directory the config was loaded from.
func (c *Config) ProjectDir() string { return c.projectDir }

func (p Paths) ConfigFile() string  { return filepath.Join(p.Root, ConfigFileName) }
func (p Paths) PauseFlag() string   { return filepath.Join(p.Root, "paused") }
func (p Paths) PRCacheFile() string { return filepath.Join(p.Root, ".pr_cache.json") }
func (p Paths) TasksDir() string    { return filepath.Join(p.Root, "tasks") }
func (p Paths) AgentsDir() string   { return filepath.Join(p.Root, "agents") }
func (p Paths) SharedTasks() string { return filepath.Join(p.Root, "shared", "tasks") }
func (p Paths) Notes() string       { return filepath.Join(p.Root, "shared", "notes") }
func (p Paths) Breakdowns() string  { return filepath.Join(p.Root, "shared", "breakdowns") }
func (p Paths) Threads() string     { return filepath.Join(p.Root, "shared", "threads") }
func (p Paths) Messages() string    { return filepath.Join(p.Root, "shared", "messages") }
func (p Paths) TaskLogsDir() string { return filepath.Join(p.Root, "logs", "tasks") }
func (p Paths) LogsDir() string     { return filepath.Join(p.Root, "logs") }
func (p Paths) PRsDir() string      { return filepath.Join(p.Root, "prs") }
func (p Paths) RebaserDir() string  { return filepath.Join(p.Root, "rebaser") }

// TaskWorktree returns the ephemeral per-task worktree path.
func (p Paths) TaskWorktree(taskID string) string {
	return filepath.Join(p.TasksDir(), taskID, "worktree")
}

// AgentDir returns the persistent directory for an agent blueprint instance.
func (p Paths) AgentDir(agentName string) string {
	return filepath.Join(p.AgentsDir(), agentName)
}

// AgentWorktree returns an agent's persistent worktree path.
func (p Paths) AgentWorktree(agentName string) string {
	return filepath.Join(p.AgentDir(agentName), "worktree")
}

// AgentState returns the liveness state file for an agent.
func (p Paths) AgentState(agentName string) string {
	return filepath.Join(p.AgentDir(agentName), "state.json")
}

// AgentHeartbeat returns the mtime-only heartbeat file for an agent.
func (p Paths) AgentHeartbeat(agentName string) string {
	return filepath.Join(p.AgentDir(agentName), "heartbeat")
}

// AgentToolCounter returns the append-byte-per-tool-use counter file.
func (p Paths) AgentToolCounter(agentName string) string {
	return filepath.Join(p.AgentDir(agentName), "tool_counter")
}

// AgentCurrentTask returns the claim marker file for an agent.
func (p Paths) AgentCurrentTask(agentName string) string {
	return filepath.Join(p.AgentDir(agentName), "current_task.json")
}

// TaskLogFile returns the append-only lifecycle journal for a task.
func (p Paths) TaskLogFile(taskID string) string {
	return filepath.Join(p.TaskLogsDir(), fmt.Sprintf("TASK-%s.log", taskID))
}

// SchedulerLogFile returns the per-day scheduler log path.
func (p Paths) SchedulerLogFile(day time.Time) string {
	return filepath.Join(p.LogsDir(), "scheduler-"+day.Format("2006-01-02")+".log")
}

// AgentLogFile returns the per-day log path for an agent.
func (p Paths) AgentLogFile(agentName string, day time.Time) string {
	return filepath.Join(p.LogsDir(), agentName+"-"+day.Format("2006-01-02")+".log")
}

// PRDir returns the gatekeeper artifact directory for a PR number.
func (p Paths) PRDir(number int) string {
	return filepath.Join(p.PRsDir(), fmt.Sprintf("PR-%d", number))
}

// ThreadFile returns the per-task message log path.
func (p Paths) ThreadFile(taskID string) string {
	return filepath.Join(p.Threads(), fmt.Sprintf("TASK-%s.jsonl", taskID))
}

// NotesDir returns the per-task scratch directory, deleted on accept.
func (p Paths) NotesDir(taskID string) string {
	return filepath.Join(p.Notes(), taskID)
}
