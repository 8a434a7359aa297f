package model

import (
	"errors"
	"strconv"
)

var (
	ErrPlayerNotFound   = errors.New("球员不存在")
	ErrMatchNotFound    = errors.New("比赛不存在")
	ErrSessionNotFound  = errors.New("直播会话不存在")
	ErrInvalidResponse  = errors.New("无效的RSVP回复")
	ErrInvalidSource    = errors.New("无效的RSVP来源")
	ErrMissingDiscordID = errors.New("球员没有Discord ID")
)

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}
