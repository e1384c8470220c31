package main

import "time"

const defaultAPITimeout = 2 * time.Minute

// GlobalFlags holds persistent flags shared by every command
type GlobalFlags struct {
	ConfigPath string
	APIUrl     string
	APITimeout time.Duration
}

// ServeFlags holds flags for the serve command
type ServeFlags struct {
	ConfigPath string
	Strict     bool
	Daemonize  bool
	PidFile    string
	LogFile    string
}

// AnalyzeFlags holds flags for the analyze command
type AnalyzeFlags struct {
	ConfigPath string
	Text       string
	File       string
	Direct     bool
}
