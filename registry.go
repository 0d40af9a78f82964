package sagatask

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/fortressi/sagatask/dag"
	"github.com/puzpuzpuz/xsync/v3"
	"gonum.org/v1/gonum/graph/encoding"
)

// Job is one task delivery as the queue substrate hands it to a handler.
type Job struct {
	// ID identifies the delivery in the substrate. Redeliveries of the same
	// message carry the same ID. It may be empty.
	ID      string
	Task    string
	Payload json.RawMessage
	// Attempt counts deliveries of this message, starting at 1.
	Attempt int
	// Meta is substrate specific and passed to actions untouched.
	Meta any
}

// Enqueuer is the enqueue primitive of the queue substrate.
type Enqueuer interface {
	Enqueue(ctx context.Context, task string, payload json.RawMessage) error
}

// TaskHandler executes one task. A nil error acknowledges the job.
type TaskHandler func(ctx context.Context, q Enqueuer, job Job) error

// TaskRegistry maps compiled task names to their handlers. It is immutable
// once built and safe for concurrent use.
type TaskRegistry struct {
	tasks *xsync.MapOf[string, TaskHandler]
	sagas []*compiledSaga
}

func newTaskRegistry() *TaskRegistry {
	return &TaskRegistry{
		tasks: xsync.NewMapOf[string, TaskHandler](),
	}
}

// register adds a handler while the registry is being assembled.
func (r *TaskRegistry) register(name string, h TaskHandler) error {
	if _, loaded := r.tasks.LoadOrStore(name, h); loaded {
		return &RegistryCollisionError{Task: name}
	}
	return nil
}

// MergeRegistries assembles one registry from several compiled sagas. It
// fails if any task name appears twice; none of the inputs are modified.
func MergeRegistries(regs ...*TaskRegistry) (*TaskRegistry, error) {
	merged := newTaskRegistry()
	for _, reg := range regs {
		for _, name := range reg.Names() {
			h, _ := reg.Handler(name)
			if err := merged.register(name, h); err != nil {
				return nil, err
			}
		}
		merged.sagas = append(merged.sagas, reg.sagas...)
	}
	return merged, nil
}

// Handler retrieves a handler from the registry by its task name.
func (r *TaskRegistry) Handler(name string) (TaskHandler, bool) {
	return r.tasks.Load(name)
}

// Names returns every task name in the registry, sorted.
func (r *TaskRegistry) Names() []string {
	names := make([]string, 0, r.tasks.Size())
	r.tasks.Range(func(name string, _ TaskHandler) bool {
		names = append(names, name)
		return true
	})
	sort.Strings(names)
	return names
}

// Len returns the number of registered tasks.
func (r *TaskRegistry) Len() int {
	return r.tasks.Size()
}

// Sagas returns the names of the sagas compiled into the registry.
func (r *TaskRegistry) Sagas() []string {
	names := make([]string, len(r.sagas))
	for i, s := range r.sagas {
		names[i] = s.name
	}
	return names
}

// Dispatch runs the handler registered for job.Task.
func (r *TaskRegistry) Dispatch(ctx context.Context, q Enqueuer, job Job) error {
	h, ok := r.tasks.Load(job.Task)
	if !ok {
		return &UnknownTaskError{Task: job.Task}
	}
	return h(ctx, q, job)
}

// RegisterWith hands every task to a substrate's registration function, in
// name order, stopping at the first error.
func (r *TaskRegistry) RegisterWith(register func(name string, h TaskHandler) error) error {
	for _, name := range r.Names() {
		h, _ := r.tasks.Load(name)
		if err := register(name, h); err != nil {
			return err
		}
	}
	return nil
}

// Graph returns the task transition graph of every saga in the registry:
// one node per task plus a completed and a cancelled node per saga.
func (r *TaskRegistry) Graph() (*dag.Graph, error) {
	g := dag.New()
	for _, s := range r.sagas {
		if err := s.addToGraph(g); err != nil {
			return nil, err
		}
	}
	return g, nil
}

// CompletedNodeName and CancelledNodeName name the terminal nodes of a saga
// in the registry graph.
func CompletedNodeName(saga string) string { return saga + " (completed)" }
func CancelledNodeName(saga string) string { return saga + " (cancelled)" }

func (s *compiledSaga) addToGraph(g *dag.Graph) error {
	shape := func(v string) encoding.Attribute { return encoding.Attribute{Key: "shape", Value: v} }
	dashed := encoding.Attribute{Key: "style", Value: "dashed"}

	completed, cancelled := CompletedNodeName(s.name), CancelledNodeName(s.name)
	entry := EntryTaskName(s.name)
	for _, n := range []struct {
		name  string
		attrs []encoding.Attribute
	}{
		{entry, []encoding.Attribute{shape("box")}},
		{completed, []encoding.Attribute{shape("doublecircle")}},
		{cancelled, []encoding.Attribute{shape("doublecircle")}},
	} {
		if _, err := g.AddNode(n.name, n.attrs...); err != nil {
			return err
		}
	}
	for _, step := range s.steps {
		if _, err := g.AddNode(ForwardTaskName(s.name, step.Name)); err != nil {
			return err
		}
		if step.HasCancel() {
			if _, err := g.AddNode(CompensationTaskName(s.name, step.Name), dashed); err != nil {
				return err
			}
		}
	}

	unwindTo := func(from int) string {
		if j, ok := NextCompensationTarget(s.steps, from); ok {
			return CompensationTaskName(s.name, s.steps[j].Name)
		}
		return cancelled
	}

	if len(s.steps) == 0 {
		return g.AddEdge(entry, completed, "start")
	}
	if err := g.AddEdge(entry, ForwardTaskName(s.name, s.steps[0].Name), "start"); err != nil {
		return err
	}
	for i, step := range s.steps {
		task := ForwardTaskName(s.name, step.Name)
		next := completed
		if i < len(s.steps)-1 {
			next = ForwardTaskName(s.name, s.steps[i+1].Name)
		}
		if err := g.AddEdge(task, next, "advance"); err != nil {
			return err
		}
		if err := g.AddEdge(task, unwindTo(i), "cancel"); err != nil {
			return err
		}
		if step.HasCancel() {
			if err := g.AddEdge(CompensationTaskName(s.name, step.Name), unwindTo(i), "unwind"); err != nil {
				return err
			}
		}
	}
	return nil
}
