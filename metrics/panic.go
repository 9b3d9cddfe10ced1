package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Panic is the label for the package a panic happened in.
type Panic string

const (
	Smtpserver Panic = "smtpserver"
	Store      Panic = "store"
	Queue      Panic = "queue"
)

var metricPanic = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "smtpd_panic_total",
		Help: "Number of unhandled panics, by package.",
	},
	[]string{
		"pkg",
	},
)

func PanicInc(pkg Panic) {
	metricPanic.WithLabelValues(string(pkg)).Inc()
}
