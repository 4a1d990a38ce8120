package instance

import (
	"os"

	"github.com/angelmondragon/engagement-dispatch/pkg/env"
)

// Identity names the worker process for claim ownership and task leases.
type Identity struct {
	Node    string
	Process int
}

// Current reads WORKER_ID (or the host name) and the OS pid.
func Current() Identity {
	node := os.Getenv("WORKER_ID")
	if node == "" {
		node = env.Hostname()
	}
	return Identity{Node: node, Process: os.Getpid()}
}

// LastDigit is the final decimal digit of the process id.
func (i Identity) LastDigit() int {
	pid := i.Process
	if pid < 0 {
		pid = -pid
	}
	return pid % 10
}
