package stats

import (
	"encoding/json"
	"expvar"
	"net/http"
	"sync"
	"time"
)

const (
	FramesReceived     = "FramesReceived"
	FramesDropped      = "FramesDropped"
	Reconnects         = "Reconnects"
	SendsThrottled     = "SendsThrottled"
	NotificationEvents = "NotificationEvents"
	Resyncs            = "Resyncs"
	HeartbeatFailures  = "HeartbeatFailures"
)

// ChatMetrics and NotifyMetrics list the counters each core increments.
var (
	ChatMetrics   = []string{FramesReceived, FramesDropped, Reconnects, SendsThrottled}
	NotifyMetrics = []string{NotificationEvents, FramesDropped, Resyncs, HeartbeatFailures}
)

type StatsProvider interface {
	Incr(name string)
	Decr(name string)
	RegisterMetric(name string)
	Run()
}

type StatsUpdater struct {
	vars       *expvar.Map
	updateChan chan *metricsUpdateReq
	done       chan struct{}
	stopOnce   sync.Once
}

type metricsUpdateReq struct {
	name  string
	value int
}

func (su *StatsUpdater) expvarHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	expvarData := make(map[string]any)
	su.vars.Do(func(kv expvar.KeyValue) {
		var value any
		json.Unmarshal([]byte(kv.Value.String()), &value)
		expvarData[kv.Key] = value
	})

	json.NewEncoder(w).Encode(expvarData)
}

// NewStatsUpdater creates a new stats updater instance and mounts its
// handler on mux. It must be called at most once per process.
func NewStatsUpdater(mux *http.ServeMux) *StatsUpdater {
	su := &StatsUpdater{
		updateChan: make(chan *metricsUpdateReq, 512),
		done:       make(chan struct{}),
	}
	mux.Handle("GET /debug/vars", http.HandlerFunc(su.expvarHandler))
	su.vars = expvar.NewMap("gochat-realtime")
	su.initializeMetrics()

	return su
}

func (su *StatsUpdater) initializeMetrics() {
	startTime := time.Now()
	su.vars.Set("Uptime", expvar.Func(func() any {
		return time.Since(startTime).Milliseconds()
	}))
}

func (su *StatsUpdater) updateMetrics() {
	for {
		select {
		case <-su.done:
			return
		case req := <-su.updateChan:
			metric, ok := su.vars.Get(req.name).(*expvar.Int)
			if !ok {
				continue
			}

			metric.Add(int64(req.value))
		}
	}
}

func (su *StatsUpdater) Incr(name string) {
	select {
	case <-su.done:
		return
	default:
	}
	select {
	case su.updateChan <- &metricsUpdateReq{name: name, value: 1}:
	default:
	}
}

func (su *StatsUpdater) Decr(name string) {
	select {
	case <-su.done:
		return
	default:
	}
	select {
	case su.updateChan <- &metricsUpdateReq{name: name, value: -1}:
	default:
	}
}

func (su *StatsUpdater) RegisterMetric(name string) {
	if su.vars.Get(name) != nil {
		return
	}
	su.vars.Set(name, expvar.NewInt(name))
}

func (su *StatsUpdater) Run() {
	go su.updateMetrics()
}

// Stop ends the update loop. updateChan stays open so that late Incr and
// Decr calls from shutting-down goroutines are dropped instead of panicking.
func (su *StatsUpdater) Stop() {
	su.stopOnce.Do(func() { close(su.done) })
}

type nopStats struct{}

func (nopStats) Incr(string)           {}
func (nopStats) Decr(string)           {}
func (nopStats) RegisterMetric(string) {}
func (nopStats) Run()                  {}

// Nop returns a StatsProvider that discards every update.
func Nop() StatsProvider {
	return nopStats{}
}
