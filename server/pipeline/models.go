package pipeline

import (
	"sort"
	"sync"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/snapdetect/pkg/nn"
	"github.com/cyclopcam/snapdetect/pkg/nnload"
	"github.com/cyclopcam/snapdetect/pkg/perfstats"
)

// LoadFunc loads a model. Normally nnload.LoadModel.
type LoadFunc func(log logs.Log, spec nnload.ModelSpec) (nn.ObjectDetector, error)

// ModelStatus is shown in the sidebar
type ModelStatus struct {
	Task           string  `json:"task"`
	Loaded         bool    `json:"loaded"`
	Error          string  `json:"error,omitempty"` // Last load failure
	Inferences     int64   `json:"inferences"`
	AvgInferenceMS float64 `json:"avgInferenceMS"`
	MaxInferenceMS float64 `json:"maxInferenceMS"`
}

// Models loads each task's model on first use, and keeps it for the life of the process.
// A failed load is remembered for display, and retried on the next Get.
type Models struct {
	log   logs.Log
	specs map[string]nnload.ModelSpec
	load  LoadFunc

	// Held while loading a task's model, so that two requests never load the same model twice.
	// lock is never held during a load, because a load can include a download.
	loadLocks map[string]*sync.Mutex

	lock   sync.Mutex
	models map[string]nn.ObjectDetector
	errors map[string]error
	times  map[string]*perfstats.TimeAccumulator
}

func NewModels(log logs.Log, specs map[string]nnload.ModelSpec, load LoadFunc) *Models {
	if load == nil {
		load = nnload.LoadModel
	}
	loadLocks := map[string]*sync.Mutex{}
	for task := range specs {
		loadLocks[task] = &sync.Mutex{}
	}
	return &Models{
		log:       log,
		specs:     specs,
		load:      load,
		loadLocks: loadLocks,
		models:    map[string]nn.ObjectDetector{},
		errors:    map[string]error{},
		times:     map[string]*perfstats.TimeAccumulator{},
	}
}

func (m *Models) loaded(task string) nn.ObjectDetector {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.models[task]
}

// Get returns the model for a task, loading it if necessary
func (m *Models) Get(task string) (nn.ObjectDetector, error) {
	spec, ok := m.specs[task]
	if !ok {
		return nil, &nn.ModelLoadError{Path: task, Err: ErrUnknownTask}
	}
	if model := m.loaded(task); model != nil {
		return model, nil
	}

	loadLock := m.loadLocks[task]
	loadLock.Lock()
	defer loadLock.Unlock()
	// Another request may have loaded it while we waited
	if model := m.loaded(task); model != nil {
		return model, nil
	}

	model, err := m.load(m.log, spec)

	m.lock.Lock()
	defer m.lock.Unlock()
	if err != nil {
		m.log.Errorf("Unable to load %v model: %v", task, err)
		m.errors[task] = err
		return nil, err
	}
	delete(m.errors, task)
	m.models[task] = model
	return model, nil
}

// Status of every configured model, sorted by task
func (m *Models) Status() []ModelStatus {
	m.lock.Lock()
	defer m.lock.Unlock()
	status := []ModelStatus{}
	for task := range m.specs {
		s := ModelStatus{
			Task:   task,
			Loaded: m.models[task] != nil,
		}
		if err := m.errors[task]; err != nil {
			s.Error = err.Error()
		}
		if t := m.times[task]; t != nil {
			s.Inferences = t.Samples
			s.AvgInferenceMS = t.Average().Seconds() * 1000
			s.MaxInferenceMS = t.Max.Seconds() * 1000
		}
		status = append(status, s)
	}
	sort.Slice(status, func(i, j int) bool {
		return status[i].Task < status[j].Task
	})
	return status
}

// Record how long a task's model took to run
func (m *Models) AddInferenceTime(task string, d time.Duration) {
	m.lock.Lock()
	defer m.lock.Unlock()
	t := m.times[task]
	if t == nil {
		t = &perfstats.TimeAccumulator{}
		m.times[task] = t
	}
	t.AddSample(d)
}

func (m *Models) Close() {
	m.lock.Lock()
	defer m.lock.Unlock()
	for task, model := range m.models {
		model.Close()
		delete(m.models, task)
	}
}
