package hub

import "errors"

var (
	ErrHubAlreadyRunning = errors.New("hub is already running")
	ErrHubNotRunning     = errors.New("hub is not running")
	ErrMailboxFull       = errors.New("mailbox is full")
	ErrDrainTimeout      = errors.New("timed out draining mailboxes")
)
