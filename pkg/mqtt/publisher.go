package mqtt

import (
	"context"
	"time"

	"github.com/markus-lassfolk/locfix/pkg"
)

// ResultMessage is the payload published for every acquisition attempt
type ResultMessage struct {
	AttemptID  string                 `json:"attempt_id"`
	Outcome    string                 `json:"outcome"`
	DurationMs int64                  `json:"duration_ms"`
	Timestamp  time.Time              `json:"timestamp"`
	Result     *pkg.AcquisitionResult `json:"result"`
}

// ObserveResult publishes result on <prefix>/acquisition/result
func (c *Client) ObserveResult(_ context.Context, result *pkg.AcquisitionResult, duration time.Duration) {
	if !c.config.Enabled || !c.connected.Load() || result == nil {
		return
	}

	msg := ResultMessage{
		AttemptID:  result.AttemptID,
		Outcome:    result.Outcome(),
		DurationMs: duration.Milliseconds(),
		Timestamp:  time.Now(),
		Result:     result,
	}
	if err := c.publishJSON(c.Topic("acquisition/result"), msg); err != nil {
		c.logger.Warn("mqtt_result_publish_failed", "attempt_id", result.AttemptID, "error", err)
	}
}
