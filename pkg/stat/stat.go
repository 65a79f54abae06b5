// Copyright 2025 nipa-go project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package stat provides prometheus/streamz style metrics (Val type) for
// instrumenting the daemons, and a global default registry.
//
// Simple use:
//
//	statFoo := stat.New("series processed", "Number of series run through the checker")
//	statFoo.Add(1)
package stat

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/VividCortex/gohistogram"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/linux-netdev/nipa-go/pkg/log"
)

type UI struct {
	Name  string
	Desc  string
	Value string
	V     int
}

func New(name, desc string, opts ...any) *Val {
	return global.New(name, desc, opts...)
}

func Collect() []UI {
	return global.Collect()
}

var global = &set{vals: make(map[string]*Val)}

// Serve exposes /metrics (prometheus) and /stats (the raw collected
// values as JSON) on addr. An empty addr disables the listener.
func Serve(addr string) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(Collect())
	})
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Logf(0, "stats listener failed: %v", err)
		}
	}()
}

type set struct {
	mu   sync.Mutex
	vals map[string]*Val
}

// Prometheus exports the metric to Prometheus under the given name.
type Prometheus string

// Distribution says to collect a histogram of individual samples
// rather than a plain counter.
type Distribution struct{}

func (s *set) New(name, desc string, opts ...any) *Val {
	v := &Val{
		name: name,
		desc: desc,
	}
	for _, o := range opts {
		switch opt := o.(type) {
		case Distribution:
			v.histVal = gohistogram.NewHistogram(255)
		case func() int:
			v.ext = opt
		case Prometheus:
			prometheus.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Name: string(opt),
				Help: desc,
			},
				func() float64 { return float64(v.Val()) },
			))
		default:
			panic(fmt.Sprintf("unknown stats option %#v", o))
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vals[name] = v
	return v
}

func (s *set) Collect() []UI {
	s.mu.Lock()
	defer s.mu.Unlock()
	var res []UI
	for _, v := range s.vals {
		val := v.Val()
		value := fmt.Sprint(val)
		if v.histVal != nil {
			v.histMu.Lock()
			value = fmt.Sprintf("%.0f/%.0f/%.0f (25/50/75%%)",
				v.histVal.Quantile(0.25), v.histVal.Quantile(0.5), v.histVal.Quantile(0.75))
			v.histMu.Unlock()
		}
		res = append(res, UI{
			Name:  v.name,
			Desc:  v.desc,
			Value: value,
			V:     val,
		})
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Name < res[j].Name })
	return res
}

type Val struct {
	name    string
	desc    string
	val     atomic.Uint64
	ext     func() int
	histMu  sync.Mutex
	histVal *gohistogram.NumericHistogram
}

func (v *Val) Add(val int) {
	if v.ext != nil {
		panic(fmt.Sprintf("stat %v is in external mode", v.name))
	}
	if v.histVal != nil {
		v.histMu.Lock()
		v.histVal.Add(float64(val))
		v.histMu.Unlock()
		return
	}
	v.val.Add(uint64(val))
}

func (v *Val) Val() int {
	if v.ext != nil {
		return v.ext()
	}
	if v.histVal != nil {
		v.histMu.Lock()
		defer v.histMu.Unlock()
		return int(v.histVal.Quantile(0.5))
	}
	return int(v.val.Load())
}
