package outbound

import "time"

// PayloadVersion is carried in every webhook body so receivers can route on
// shape changes.
const PayloadVersion = 1

// ConversationInfo identifies the conversation a webhook is about.
type ConversationInfo struct {
	TenantID        int64  `json:"tenant_id"`
	Phone           string `json:"phone"`
	ChannelInstance string `json:"channel_instance"`
	Domain          string `json:"domain"`
}

// LeadSnapshot is the profile snapshot sent with every webhook.
type LeadSnapshot struct {
	FirstName *string        `json:"first_name"`
	LastName  *string        `json:"last_name"`
	Timezone  *string        `json:"timezone"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// StatusSnapshot mirrors the lead's CRM statuses at dispatch time.
type StatusSnapshot struct {
	Operational string  `json:"operational"`
	Business    *string `json:"business"`
}

// StateSnapshot is the newest state log entry, when one exists.
type StateSnapshot struct {
	OperationalStatus *string    `json:"operational_status"`
	BusinessStatus    *string    `json:"business_status"`
	ReasonCode        *string    `json:"reason_code,omitempty"`
	PausedUntil       *time.Time `json:"paused_until,omitempty"`
	EffectiveAt       time.Time  `json:"effective_at"`
	Source            string     `json:"source"`
}

// PingPayload is the body of an inactivity ping webhook.
type PingPayload struct {
	Version        int              `json:"version"`
	Conversation   ConversationInfo `json:"conversation"`
	Lead           LeadSnapshot     `json:"lead"`
	MidasStatus    StatusSnapshot   `json:"midas_status"`
	AurumState     *StateSnapshot   `json:"aurum_state"`
	Summary        bool             `json:"summary"`
	LastActivityAt *time.Time       `json:"last_activity_at"`
	WindowMsgCount int              `json:"window_msg_count"`
	TraceID        string           `json:"trace_id,omitempty"`
}

// ReminderPayload is the body of a reminder webhook. Slot and Days are
// derived from Kind for the reminder_<N>d pattern; Type is "dependent",
// "independent" or "unknown".
type ReminderPayload struct {
	Version             int              `json:"version"`
	Conversation        ConversationInfo `json:"conversation"`
	Lead                LeadSnapshot     `json:"lead"`
	MidasStatus         StatusSnapshot   `json:"midas_status"`
	AurumState          *StateSnapshot   `json:"aurum_state"`
	Kind                string           `json:"kind"`
	Slot                *int             `json:"slot"`
	Days                *int             `json:"days"`
	Type                string           `json:"type"`
	CancelOnNewActivity bool             `json:"cancel_on_new_activity"`
	ReminderID          *int64           `json:"reminder_id"`
	ScheduledAt         time.Time        `json:"scheduled_at"`
	TraceID             string           `json:"trace_id,omitempty"`
}
