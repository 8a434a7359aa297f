package fanout

import (
	"fmt"
	"strings"
)

// DeliveryError 所有通道都投递失败
type DeliveryError struct {
	MatchID int64
	Errors  []string
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("比赛 %d 的RSVP变化投递失败: %s", e.MatchID, strings.Join(e.Errors, "; "))
}
