package scheduler

import (
	"fmt"

	"github.com/robfig/cron/v3"

	"otto/internal/domain"
	"otto/internal/logging"
	"otto/internal/state"
)

// RecurringSpec creates an autonomous task whenever its cron schedule fires.
type RecurringSpec struct {
	Name        string
	Schedule    string
	Description string
	Priority    domain.Priority
	Tags        []string
}

// cronRunner registers recurring triggers with a skip-if-still-running chain
// so a slow tick never stacks duplicate firings.
type cronRunner struct {
	cron   *cron.Cron
	logger logging.Logger
}

func newCronRunner(s *Scheduler, specs []RecurringSpec, logger logging.Logger) (*cronRunner, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	runner := &cronRunner{
		cron:   cron.New(cron.WithParser(parser), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		logger: logger,
	}

	for _, spec := range specs {
		spec := spec
		if spec.Name == "" || spec.Schedule == "" {
			return nil, fmt.Errorf("recurring trigger needs a name and a schedule")
		}
		_, err := runner.cron.AddFunc(spec.Schedule, func() {
			s.fireRecurring(spec)
		})
		if err != nil {
			return nil, fmt.Errorf("invalid schedule for trigger %q: %w", spec.Name, err)
		}
	}
	return runner, nil
}

func (r *cronRunner) start() { r.cron.Start() }

func (r *cronRunner) stop() {
	<-r.cron.Stop().Done()
}

// fireRecurring creates the trigger's task. Duplicate protection: if an
// earlier firing's task is still open, the trigger is skipped.
func (s *Scheduler) fireRecurring(spec RecurringSpec) {
	triggerTag := "trigger:" + spec.Name
	for _, open := range s.store.ListTasks(state.TaskFilter{}) {
		if open.Status.IsTerminal() {
			continue
		}
		for _, tag := range open.Tags {
			if tag == triggerTag {
				s.opts.Logger.Info("trigger %s skipped, task %s still open", spec.Name, open.ID)
				return
			}
		}
	}

	priority := spec.Priority
	if !priority.Valid() {
		priority = domain.PriorityLow
	}
	task := &domain.Task{
		Description: spec.Description,
		Origin:      domain.OriginAutonomous,
		Priority:    priority,
		Tags:        append(append([]string(nil), spec.Tags...), triggerTag),
	}
	if _, err := s.SubmitTask(task, domain.ActorScheduler); err != nil {
		s.opts.Logger.Error("trigger %s task creation failed: %v", spec.Name, err)
		return
	}
	s.opts.Logger.Info("trigger %s created task %s", spec.Name, task.ID)
}
