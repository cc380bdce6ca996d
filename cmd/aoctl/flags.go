package main

import "time"

// GlobalFlags are the persistent flags shared by every command.
type GlobalFlags struct {
	Dir      string
	LogLevel string
	Worker   string
}

// StartFlags Flag structs to decouple cobra from logic for testing.
type StartFlags struct {
	Name       string
	Wallet     string
	Data       string
	TagNames   []string
	TagValues  []string
	Module     string
	Cron       string
	Monitor    bool
	SQLite     bool
	GatewayURL string
	CUURL      string
	MUURL      string
	Load       []string
	Detach     bool
}

type MonitorFlags struct {
	Pattern string
	JSON    bool
	Filter  string
}

type WatchFlags struct {
	TimeoutMS int
	Count     int
}

type ListFlags struct {
	Filter string
}

type EvalFlags struct {
	Await     bool
	TimeoutMS int
	// Remote schedule API
	APIUrl     string
	APITimeout time.Duration
}

type ScheduleFlags struct {
	IntervalMS int
	Tick       string
	// MaxRetries < 0 keeps the configured value.
	MaxRetries  int
	OnError     string
	Listen      string
	WatchConfig bool
}

type ScheduleStatusFlags struct {
	APIUrl     string
	APITimeout time.Duration
}

type DevFlags struct {
	Port       int
	TimeoutMS  int
	Script     string
	Signal     string
	WithWorker bool
}
