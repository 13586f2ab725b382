package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/randalmurphal/drover/internal/config"
	"github.com/randalmurphal/drover/internal/gitx"
	"github.com/randalmurphal/drover/internal/lifecycle"
	"github.com/randalmurphal/drover/internal/role"
	"github.com/randalmurphal/drover/internal/store"
	"github.com/randalmurphal/drover/internal/task"
)

// AgentState is the liveness record at agents/<name>/state.json.
type AgentState struct {
	Running      bool       `json:"running"`
	PID          int        `json:"pid"`
	LastStarted  *time.Time `json:"last_started,omitempty"`
	LastFinished *time.Time `json:"last_finished,omitempty"`
	CurrentTask  string     `json:"current_task,omitempty"`
}

// agentProc is one running agent child process.
type agentProc struct {
	agent   string
	taskID  string
	pid     int
	cmd     *exec.Cmd
	done    chan struct{}
	exitErr error
}

func (p *agentProc) finished() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *agentProc) interrupt() {
	if p.cmd != nil && p.cmd.Process != nil {
		_ = p.cmd.Process.Signal(syscall.SIGINT)
	}
}

// superviseAgent advances one blueprint for this tick: skip when at
// max instances or blocked by backpressure, otherwise claim a task and
// launch the agent process on it.
func (s *Scheduler) superviseAgent(ctx context.Context, name string, bp config.Agent, index int, st *tickState) error {
	if bp.Paused {
		return nil
	}

	maxInstances := bp.MaxInstances
	if maxInstances <= 0 {
		maxInstances = 1
	}
	if s.runningInstances(name) >= maxInstances {
		return nil
	}

	desc, ok := role.Describe(role.Role(bp.Role))
	if !ok {
		// Validate() rejects unknown roles; an empty role means a
		// control-plane agent with no claim loop.
		return nil
	}
	if !desc.Role.Claims() {
		return nil
	}

	if ok, reason := s.CanClaimTask(st); !ok {
		s.log.Debug("claim blocked", "agent", name, "reason", reason)
		return nil
	}

	if _, err := s.wt.EnsureAgentWorktree(ctx, name); err != nil {
		return fmt.Errorf("ensure agent worktree: %w", err)
	}

	claimed, err := s.claimFor(ctx, name, bp, desc)
	if err != nil {
		return err
	}
	if claimed == nil {
		return nil
	}

	return s.launch(ctx, name, bp, index, claimed)
}

// claimFor tries the role's claim queues in order. Continuations are
// tried first so a resuming agent picks its own task back up.
func (s *Scheduler) claimFor(ctx context.Context, name string, bp config.Agent, desc role.Descriptor) (*lifecycle.Claimed, error) {
	queues := make([]task.Queue, 0, len(desc.ClaimQueues))
	for _, q := range desc.ClaimQueues {
		if q == task.QueueNeedsContinuation {
			queues = append([]task.Queue{q}, queues...)
			continue
		}
		queues = append(queues, q)
	}

	for _, queue := range queues {
		claimed, err := s.ctl.Claim(ctx, store.ClaimRequest{
			OrchestratorID: s.OrchestratorID,
			AgentName:      name,
			RoleFilter:     bp.Role,
			Queue:          queue,
			MaxClaimed:     s.cfg.QueueLimits.MaxClaimed,
			LeaseDuration:  s.cfg.Timing.LeaseDuration,
		})
		if err != nil {
			return nil, err
		}
		if claimed != nil {
			return claimed, nil
		}
	}
	return nil, nil
}

// launch starts the blueprint's command on the claimed task and
// records liveness state. The process runs past the end of the tick; a
// waiter goroutine collects its exit.
func (s *Scheduler) launch(ctx context.Context, name string, bp config.Agent, index int, claimed *lifecycle.Claimed) error {
	if bp.Command == "" {
		s.log.Warn("agent blueprint has no command, cannot launch", "agent", name)
		return nil
	}

	ports := s.cfg.AgentPorts(index)
	cmd := exec.Command(bp.Command)
	cmd.Dir = claimed.WorktreePath
	cmd.Env = append(os.Environ(),
		"DROVER_AGENT="+name,
		"DROVER_ROLE="+bp.Role,
		"DROVER_TASK_ID="+claimed.Task.ID,
		"DROVER_WORKTREE="+claimed.WorktreePath,
		"DROVER_ORCHESTRATOR_ID="+s.OrchestratorID,
		"DROVER_STATE_DIR="+s.paths.Root,
		"DROVER_CONFIG="+s.paths.ConfigFile(),
		fmt.Sprintf("DROVER_PORT_DEV=%d", ports[0]),
		fmt.Sprintf("DROVER_PORT_MCP=%d", ports[1]),
		fmt.Sprintf("DROVER_PORT_PLAYWRIGHT=%d", ports[2]),
	)

	if logFile, err := s.openAgentLog(name); err == nil {
		cmd.Stdout = logFile
		cmd.Stderr = logFile
		defer logFile.Close()
	} else {
		s.log.Warn("open agent log", "agent", name, "error", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start agent %s: %w", name, err)
	}

	now := time.Now().UTC()
	proc := &agentProc{
		agent:  name,
		taskID: claimed.Task.ID,
		pid:    cmd.Process.Pid,
		cmd:    cmd,
		done:   make(chan struct{}),
	}
	s.writeAgentState(name, AgentState{Running: true, PID: proc.pid, LastStarted: &now, CurrentTask: claimed.Task.ID})
	s.writeCurrentTask(name, claimed.Task)
	s.touchHeartbeat(name)

	s.mu.Lock()
	s.procs[name] = append(s.procs[name], proc)
	s.mu.Unlock()

	go func() {
		proc.exitErr = cmd.Wait()
		close(proc.done)
	}()

	s.log.Info("agent launched", "agent", name, "task", claimed.Task.ID, "pid", proc.pid)
	return nil
}

func (s *Scheduler) openAgentLog(name string) (*os.File, error) {
	if err := os.MkdirAll(s.paths.LogsDir(), 0755); err != nil {
		return nil, err
	}
	path := s.paths.AgentLogFile(name, time.Now())
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
}

func (s *Scheduler) runningInstances(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, proc := range s.procs[name] {
		if !proc.finished() {
			n++
		}
	}
	return n
}

// reapFinished collects exited agent processes: liveness state is
// updated, and a non-zero exit routes the task to needs_continuation
// or failed depending on whether partial work exists.
func (s *Scheduler) reapFinished(ctx context.Context) {
	s.mu.Lock()
	var finished []*agentProc
	for name, procs := range s.procs {
		live := procs[:0]
		for _, proc := range procs {
			if proc.finished() {
				finished = append(finished, proc)
			} else {
				live = append(live, proc)
			}
		}
		if len(live) == 0 {
			delete(s.procs, name)
		} else {
			s.procs[name] = live
		}
	}
	s.mu.Unlock()

	for _, proc := range finished {
		now := time.Now().UTC()
		s.writeAgentState(proc.agent, AgentState{Running: false, LastFinished: &now})
		s.clearCurrentTask(proc.agent)

		if proc.exitErr == nil {
			s.log.Info("agent exited cleanly", "agent", proc.agent, "task", proc.taskID)
			continue
		}
		s.log.Warn("agent exited with error", "agent", proc.agent, "task", proc.taskID, "error", proc.exitErr)
		s.handleAgentFailure(ctx, proc)
	}
}

// handleAgentFailure applies the agent-error policy: partial work
// moves the task to needs_continuation, nothing salvageable fails it.
func (s *Scheduler) handleAgentFailure(ctx context.Context, proc *agentProc) {
	t, err := s.store.Get(ctx, proc.taskID)
	if err != nil {
		s.log.Error("load task after agent failure", "task", proc.taskID, "error", err)
		return
	}
	if t.Queue != task.QueueClaimed || t.ClaimedBy != proc.agent {
		// The agent got far enough to transition the task itself.
		return
	}

	if s.hasPartialWork(ctx, t) {
		if _, err := s.ctl.MarkNeedsContinuation(ctx, t, "agent exited mid-task with work in flight"); err != nil {
			s.log.Error("mark needs_continuation", "task", t.ID, "error", err)
		}
		return
	}
	if _, err := s.ctl.Fail(ctx, t, fmt.Sprintf("agent %s exited without producing work", proc.agent)); err != nil {
		s.log.Error("fail task after agent exit", "task", t.ID, "error", err)
	}
}

// hasPartialWork checks the task worktree for uncommitted changes or
// commits ahead of the base branch.
func (s *Scheduler) hasPartialWork(ctx context.Context, t *task.Task) bool {
	path := s.wt.TaskWorktreePath(t.ID)
	if _, err := os.Stat(path); err != nil {
		return false
	}
	git := gitx.New(path, s.runner)

	if status, err := git.StatusPorcelain(ctx); err == nil && status != "" {
		return true
	}
	if ahead, err := git.CommitCount(ctx, "origin/"+s.cfg.BaseBranch, "HEAD"); err == nil && ahead > 0 {
		return true
	}
	return false
}

// reclaimZombies releases claims whose lease lapsed while the owning
// process disappeared. CLAIMED/REQUEUED event pairing comes from the
// release path in the lifecycle controller.
func (s *Scheduler) reclaimZombies(ctx context.Context) {
	claimed, err := s.store.List(ctx, store.ListFilter{Queue: task.QueueClaimed})
	if err != nil {
		s.log.Error("list claimed tasks", "error", err)
		return
	}

	now := time.Now().UTC()
	grace := s.cfg.Timing.ZombieGrace
	if grace <= 0 {
		grace = 5 * time.Minute
	}

	for _, t := range claimed {
		if !t.LeaseExpired(now) {
			continue
		}
		if s.agentAlive(t.ClaimedBy, grace) {
			continue
		}
		if _, err := s.ctl.ReleaseZombie(ctx, t); err != nil {
			s.log.Error("release zombie claim", "task", t.ID, "error", err)
			continue
		}
		s.clearCurrentTask(t.ClaimedBy)
		s.mu.Lock()
		s.zombieClaims++
		s.mu.Unlock()
	}
}

// agentAlive reports whether the agent's recorded PID still exists or
// its heartbeat is fresher than the grace window.
func (s *Scheduler) agentAlive(agentName string, grace time.Duration) bool {
	if agentName == "" {
		return false
	}
	if state, err := s.readAgentState(agentName); err == nil && state.PID > 0 {
		if pidAlive(state.PID) {
			return true
		}
	}
	if info, err := os.Stat(s.paths.AgentHeartbeat(agentName)); err == nil {
		return time.Since(info.ModTime()) <= grace
	}
	return false
}

func pidAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

func (s *Scheduler) readAgentState(agentName string) (AgentState, error) {
	var state AgentState
	data, err := os.ReadFile(s.paths.AgentState(agentName))
	if err != nil {
		return state, err
	}
	err = json.Unmarshal(data, &state)
	return state, err
}

func (s *Scheduler) writeAgentState(agentName string, state AgentState) {
	path := s.paths.AgentState(agentName)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		s.log.Warn("create agent directory", "agent", agentName, "error", err)
		return
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		s.log.Warn("write agent state", "agent", agentName, "error", err)
	}
}

func (s *Scheduler) writeCurrentTask(agentName string, t *task.Task) {
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return
	}
	if err := os.WriteFile(s.paths.AgentCurrentTask(agentName), data, 0644); err != nil {
		s.log.Warn("write current task", "agent", agentName, "error", err)
	}
}

func (s *Scheduler) clearCurrentTask(agentName string) {
	if agentName == "" {
		return
	}
	_ = os.Remove(s.paths.AgentCurrentTask(agentName))
}

func (s *Scheduler) touchHeartbeat(agentName string) {
	path := s.paths.AgentHeartbeat(agentName)
	if err := os.WriteFile(path, nil, 0644); err != nil {
		s.log.Warn("touch heartbeat", "agent", agentName, "error", err)
	}
}

// ToolUseCount reads the append-byte-per-tool-use counter: the file
// size is the count.
func (s *Scheduler) ToolUseCount(agentName string) int {
	info, err := os.Stat(s.paths.AgentToolCounter(agentName))
	if err != nil {
		return 0
	}
	return int(info.Size())
}
