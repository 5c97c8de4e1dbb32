package orchestration

// ProgressListener receives progress updates
type ProgressListener func(event ProgressEvent)

// EventType represents the type of progress event
type EventType string

// EventType constants
const (
	EventRunStart        EventType = "run_start"
	EventRunComplete     EventType = "run_complete"
	EventVariantStart    EventType = "variant_start"
	EventVariantComplete EventType = "variant_complete"
	EventExampleStart    EventType = "example_start"
	EventExampleComplete EventType = "example_complete"
	EventExampleCached   EventType = "example_cached"
	EventExampleError    EventType = "example_error"
	EventTrialStart      EventType = "trial_start"
	EventTrialComplete   EventType = "trial_complete"
)

// ProgressEvent represents a progress update. Listeners may be called from
// several workers at once.
type ProgressEvent struct {
	EventType     EventType
	Variant       string
	ExampleID     string
	ExampleNum    int
	TotalExamples int
	TrialNum      int
	TotalTrials   int
	Passed        bool
	DurationMs    int64
	Error         error
	Details       map[string]any
}

func (r *Runner) notifyProgress(event ProgressEvent) {
	r.progressMu.Lock()
	listeners := make([]ProgressListener, len(r.listeners))
	copy(listeners, r.listeners)
	r.progressMu.Unlock()

	for _, listener := range listeners {
		listener(event)
	}
}

// OnProgress registers a progress listener
func (r *Runner) OnProgress(listener ProgressListener) {
	r.progressMu.Lock()
	defer r.progressMu.Unlock()
	r.listeners = append(r.listeners, listener)
}
