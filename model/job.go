package model

import "time"

// Job is a single .emlx container found below the input root.
type Job struct {
	Path    string
	RelPath string
	Key     string
	Size    int64
	ModTime time.Time
}

// Envelope wraps a job alongside an optional error encountered while scanning.
type Envelope struct {
	Job Job
	Err error
}
