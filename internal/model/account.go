package model

import (
	"strings"
	"time"
)

type Account struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Password  string    `json:"password,omitempty"`
	Token     string    `json:"token,omitempty"`
	Proxy     string    `json:"proxy,omitempty"`
	UserAgent string    `json:"userAgent,omitempty"`
	Remark    string    `json:"remark,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// CanReauth 没有用户名/密码的账号无法自动重登：401 直接判失败，不做重试。
func (a Account) CanReauth() bool {
	return strings.TrimSpace(a.Username) != "" && strings.TrimSpace(a.Password) != ""
}

// Label 给 UI/日志用的展示名，避免整段账号出现在事件流里。
func (a Account) Label() string {
	if strings.TrimSpace(a.Remark) != "" {
		return a.Remark
	}
	u := a.Username
	if len(u) > 7 {
		return u[:3] + "****" + u[len(u)-4:]
	}
	return u
}
