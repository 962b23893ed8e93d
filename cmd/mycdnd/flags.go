package main

import "time"

// Flag structs decouple cobra from the command logic for testing.

type ServeFlags struct {
	ConfigPath string
	Daemonize  bool
	PidFile    string
	LogFile    string
}

type StatusFlags struct {
	Site string
	// Remote daemon connection
	APIUrl     string
	APITimeout time.Duration
}

type HistoryFlags struct {
	Site  string
	Limit int
	// Remote daemon connection
	APIUrl     string
	APITimeout time.Duration
}
