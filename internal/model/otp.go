package model

import "time"

type OTPScope string

const (
	OTPScopeBooking     OTPScope = "booking"
	OTPScopeContact     OTPScope = "contact"
	OTPScopeBlogComment OTPScope = "blog-comment"
)

func (s OTPScope) Valid() bool {
	switch s {
	case OTPScopeBooking, OTPScopeContact, OTPScopeBlogComment:
		return true
	}
	return false
}

type NotificationChannel string

const (
	ChannelEmail    NotificationChannel = "email"
	ChannelSMS      NotificationChannel = "sms"
	ChannelChatLink NotificationChannel = "chat_link"
)

// OTPSession is a short-lived identity verification record. The plaintext
// code is never part of it.
type OTPSession struct {
	ID         string              `redis:"-" json:"id"`
	Identifier string              `redis:"identifier" json:"identifier"`
	Scope      OTPScope            `redis:"scope" json:"scope"`
	CodeHash   string              `redis:"code_hash" json:"-"`
	IssuedAt   time.Time           `redis:"-" json:"issued_at"`
	ExpiresAt  time.Time           `redis:"-" json:"expires_at"`
	Verified   bool                `redis:"verified" json:"verified"`
	Used       bool                `redis:"used" json:"used"`
	UsedBy     string              `redis:"used_by" json:"-"`
	Channel    NotificationChannel `redis:"channel" json:"channel,omitempty"`
	Attempts   int                 `redis:"attempts" json:"-"`
}

func (s *OTPSession) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

type IssueOTPRequest struct {
	Identifier string   `json:"identifier" binding:"required,max=254"`
	Scope      OTPScope `json:"scope" binding:"required,otpscope"`
}

type IssueOTPResponse struct {
	SessionID string              `json:"session_id"`
	Channel   NotificationChannel `json:"channel"`
	ExpiresAt time.Time           `json:"expires_at"`
	Code      string              `json:"code,omitempty"`
}

type VerifyOTPRequest struct {
	Code string `json:"code" binding:"required,len=6,numeric"`
}

type VerifyOTPResponse struct {
	Verified          bool   `json:"verified"`
	VerificationToken string `json:"verification_token"`
}
