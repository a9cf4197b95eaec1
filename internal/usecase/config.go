package usecase

import "time"

// Config is the immutable process configuration, constructed once in main
// and passed to every component. There are no package-level knobs.
type Config struct {
	ParamPrefix string

	HistoryWindow int
	BatchSize     int
	MaxAttempts   int
	BackoffBase   time.Duration

	ReplyMaxRunes int
	SplitDelay    time.Duration

	PendingTTL  time.Duration
	ResponseTTL time.Duration
	ProfileTTL  time.Duration

	LockWait       time.Duration
	CreateLockWait time.Duration
	LockTTL        time.Duration
}

// WithDefaults fills every unset tunable with its operational default.
func (c Config) WithDefaults() Config {
	if c.HistoryWindow <= 0 {
		c.HistoryWindow = 10
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 5
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 2 * time.Second
	}
	if c.ReplyMaxRunes <= 0 {
		c.ReplyMaxRunes = 4000
	}
	if c.SplitDelay <= 0 {
		c.SplitDelay = time.Second
	}
	if c.PendingTTL <= 0 {
		c.PendingTTL = 6 * time.Hour
	}
	if c.ResponseTTL <= 0 {
		c.ResponseTTL = 60 * time.Second
	}
	if c.ProfileTTL <= 0 {
		c.ProfileTTL = 6 * time.Hour
	}
	if c.LockWait <= 0 {
		c.LockWait = 5 * time.Second
	}
	if c.CreateLockWait <= 0 {
		c.CreateLockWait = 10 * time.Second
	}
	if c.LockTTL <= 0 {
		c.LockTTL = 30 * time.Second
	}
	return c
}

// Fixed user-facing strings.
const (
	greetingText  = "Nice to meet you! Feel free to message me anytime."
	nonTextNotice = "Sorry, I can only read text messages for now."
	apologyText   = "Sorry, something went wrong while preparing a reply. Please try again in a little while."
)
