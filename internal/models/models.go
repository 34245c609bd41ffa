package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// User represents a reviewer or admin operating the integrity console
type User struct {
	ID           uuid.UUID  `json:"id"`
	Email        string     `json:"email"`
	PasswordHash string     `json:"-"`
	Role         string     `json:"role"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	DeletedAt    *time.Time `json:"deleted_at,omitempty"`
}

// TransactionKind is the closed set of monetizable actions the
// contract validator knows how to check.
type TransactionKind string

const (
	KindChatDeposit       TransactionKind = "chat_deposit"
	KindChatBilling       TransactionKind = "chat_billing"
	KindVoiceCall         TransactionKind = "voice_call"
	KindVideoCall         TransactionKind = "video_call"
	KindCalendarBooking   TransactionKind = "calendar_booking"
	KindEventBooking      TransactionKind = "event_booking"
	KindRefundRequest     TransactionKind = "refund_request"
	KindVoluntaryRefund   TransactionKind = "voluntary_refund"
	KindTokenPurchase     TransactionKind = "token_purchase"
	KindRevenueWithdrawal TransactionKind = "revenue_withdrawal"
	KindProductPurchase   TransactionKind = "product_purchase"
)

// AllTransactionKinds enumerates every kind the validator dispatches on.
var AllTransactionKinds = []TransactionKind{
	KindChatDeposit, KindChatBilling, KindVoiceCall, KindVideoCall,
	KindCalendarBooking, KindEventBooking, KindRefundRequest,
	KindVoluntaryRefund, KindTokenPurchase, KindRevenueWithdrawal,
	KindProductPurchase,
}

// Split is a platform/creator revenue split expressed in whole percent.
// A valid split always sums to 100.
type Split struct {
	PlatformPercent int `json:"platform_percent"`
	CreatorPercent  int `json:"creator_percent"`
}

// Sum returns the total of both shares.
func (s Split) Sum() int { return s.PlatformPercent + s.CreatorPercent }

// ValidationRequest describes a proposed transaction to be checked
// against the business rules. It is the input to a pure function and
// is never persisted as an entity.
type ValidationRequest struct {
	Kind            TransactionKind `json:"kind"`
	ActingUserID    uuid.UUID       `json:"acting_user_id"`
	CounterpartyID  *uuid.UUID      `json:"counterparty_id,omitempty"`
	Amount          int64           `json:"amount"`
	ProposedSplit   *Split          `json:"proposed_split,omitempty"`
	BillingRate     *float64        `json:"billing_rate,omitempty"`
	Tier            string          `json:"tier,omitempty"`
	NonMonetized    bool            `json:"non_monetized,omitempty"`
	AccountAgeDays  int             `json:"account_age_days,omitempty"`
	LowPopularity   bool            `json:"low_popularity,omitempty"`
	SelfieVerified  bool            `json:"selfie_verified,omitempty"`
	QRVerified      bool            `json:"qr_verified,omitempty"`
	UpfrontPayment  bool            `json:"upfront_payment,omitempty"`
	HoursUntilEvent *float64        `json:"hours_until_event,omitempty"`
	OriginalAmount  int64           `json:"original_amount,omitempty"`
	RequestedRefund int64           `json:"requested_refund,omitempty"`
	RequestID       string          `json:"request_id,omitempty"`
}

// BillingTier enum values
const (
	TierStandard = "standard"
	TierElevated = "elevated"
)

// ViolationKind identifies which fixed business rule was breached.
type ViolationKind string

const (
	ViolationInvalidPrice       ViolationKind = "INVALID_PRICE"
	ViolationInvalidSplit       ViolationKind = "INVALID_SPLIT"
	ViolationInvalidBillingRate ViolationKind = "INVALID_BILLING_RATE"
	ViolationFreeChatAbuse      ViolationKind = "FREE_CHAT_ABUSE"
	ViolationMissingSafetyCheck ViolationKind = "MISSING_SAFETY_CHECK"
	ViolationPaymentNotUpfront  ViolationKind = "PAYMENT_NOT_UPFRONT"
	ViolationInvalidRefund      ViolationKind = "INVALID_REFUND"
	ViolationPlatformFeeRefund  ViolationKind = "PLATFORM_FEE_REFUND"
	ViolationFreeTokenAttempt   ViolationKind = "FREE_TOKEN_ATTEMPT"
	ViolationSplitRenegotiation ViolationKind = "SPLIT_RENEGOTIATION"
	ViolationInternalError      ViolationKind = "INTERNAL_ERROR"
)

// ViolationSeverity enum values
type ViolationSeverity string

const (
	SeverityLow      ViolationSeverity = "LOW"
	SeverityMedium   ViolationSeverity = "MEDIUM"
	SeverityHigh     ViolationSeverity = "HIGH"
	SeverityCritical ViolationSeverity = "CRITICAL"
)

// ContractViolation is a detected breach of a fixed business rule.
// Violations are data, not errors; they drive the validation decision
// and are persisted only inside audit records.
type ContractViolation struct {
	Kind          ViolationKind     `json:"kind"`
	Severity      ViolationSeverity `json:"severity"`
	Message       string            `json:"message"`
	DetectedValue interface{}       `json:"detected_value,omitempty"`
	ExpectedValue interface{}       `json:"expected_value,omitempty"`
	OriginModule  string            `json:"origin_module,omitempty"`
}

// ValidationAction enum values
type ValidationAction string

const (
	ActionAllow       ValidationAction = "ALLOW"
	ActionBlock       ValidationAction = "BLOCK"
	ActionAutoCorrect ValidationAction = "AUTO_CORRECT"
)

// CorrectedFields carries the substituted values when the validator
// auto-corrects a rate or split violation.
type CorrectedFields struct {
	Split       *Split   `json:"split,omitempty"`
	BillingRate *float64 `json:"billing_rate,omitempty"`
}

// ValidationResult is the validator's decision on a proposed transaction.
// Invariants: Action=BLOCK whenever any violation is CRITICAL;
// Action=ALLOW iff Violations is empty.
type ValidationResult struct {
	Valid           bool                `json:"valid"`
	Violations      []ContractViolation `json:"violations"`
	Action          ValidationAction    `json:"action"`
	CorrectedFields *CorrectedFields    `json:"corrected_fields,omitempty"`
}

// RiskLevel enum values
type RiskLevel string

const (
	RiskLevelLow      RiskLevel = "LOW"
	RiskLevelMedium   RiskLevel = "MEDIUM"
	RiskLevelHigh     RiskLevel = "HIGH"
	RiskLevelCritical RiskLevel = "CRITICAL"
)

// UnlockStatus enum values
type UnlockStatus string

const (
	UnlockLocked   UnlockStatus = "LOCKED"
	UnlockUnlocked UnlockStatus = "UNLOCKED"
)

// BehavioralMetrics is the activity snapshot the risk engine scored from.
type BehavioralMetrics struct {
	PaidChatExchanges    int     `json:"paid_chat_exchanges"`
	CallMinutes          int     `json:"call_minutes"`
	FraudComplaints30d   int     `json:"fraud_complaints_30d"`
	AverageRating        float64 `json:"average_rating"`
	DistinctCounterparts int     `json:"distinct_counterparts"`
	DuplicateTextRatio   float64 `json:"duplicate_text_ratio"`
	LinkedAccounts       int     `json:"linked_accounts"`
	Earnings7d           int64   `json:"earnings_7d"`
	EarningsPrior7d      int64   `json:"earnings_prior_7d"`
	OneWordPaidRatio     float64 `json:"one_word_paid_ratio"`
	QualityChats         int     `json:"quality_chats"`
	VerifiedEvents       int     `json:"verified_events"`
	PositiveReviews      int     `json:"positive_reviews"`
	LongVideoCalls       int     `json:"long_video_calls"`
}

// RiskProfile is the per-user current risk snapshot. It is overwritten
// on every computation; history is kept in risk_events.
type RiskProfile struct {
	UserID           uuid.UUID         `json:"user_id"`
	RiskScore        int               `json:"risk_score"` // 0-100
	RiskLevel        RiskLevel         `json:"risk_level"`
	UnlockStatus     UnlockStatus      `json:"unlock_status"`
	FailedCriteria   []string          `json:"failed_criteria,omitempty"`
	IdentityVerified bool              `json:"identity_verified"`
	SignalsFired     []string          `json:"signals_fired"`
	Metrics          BehavioralMetrics `json:"metrics"`
	NextAuditDate    time.Time         `json:"next_audit_date"`
	ComputedAt       time.Time         `json:"computed_at"`
}

// RiskEvent is an immutable history record of one risk computation.
type RiskEvent struct {
	ID           uuid.UUID    `json:"id"`
	UserID       uuid.UUID    `json:"user_id"`
	RiskScore    int          `json:"risk_score"`
	RiskLevel    RiskLevel    `json:"risk_level"`
	UnlockStatus UnlockStatus `json:"unlock_status"`
	SignalsFired []string     `json:"signals_fired"`
	CreatedAt    time.Time    `json:"created_at"`
}

// WalletSnapshot is the wallet state consumed from the wallet subsystem.
type WalletSnapshot struct {
	UserID         uuid.UUID `json:"user_id"`
	Balance        int64     `json:"balance"`
	LifetimeEarned int64     `json:"lifetime_earned"`
	TotalWithdrawn int64     `json:"total_withdrawn"`
}

// WithdrawableTokens applies the wallet conservation invariant:
// clamp(min(balance, lifetimeEarned - totalWithdrawn), 0, balance).
// Only earned tokens, never purchased ones, are withdrawable.
func (w WalletSnapshot) WithdrawableTokens() int64 {
	withdrawable := w.LifetimeEarned - w.TotalWithdrawn
	if w.Balance < withdrawable {
		withdrawable = w.Balance
	}
	if withdrawable < 0 {
		withdrawable = 0
	}
	return withdrawable
}

// WithdrawalStatus enum values
type WithdrawalStatus string

const (
	WithdrawalPendingReview WithdrawalStatus = "PENDING_REVIEW"
	WithdrawalApproved      WithdrawalStatus = "APPROVED"
	WithdrawalProcessing    WithdrawalStatus = "PROCESSING"
	WithdrawalPaid          WithdrawalStatus = "PAID"
	WithdrawalRejected      WithdrawalStatus = "REJECTED"
)

// KYCStatus enum values
const (
	KYCVerified = "VERIFIED"
	KYCPending  = "PENDING"
	KYCRejected = "REJECTED"
)

// KYCSnapshot is the verification state captured at request creation.
type KYCSnapshot struct {
	Status       string `json:"status"`
	AgeVerified  bool   `json:"age_verified"`
	PayoutMethod string `json:"payout_method"`
}

// WithdrawalRequest is exclusively owned by the lifecycle manager,
// terminal at PAID or REJECTED.
type WithdrawalRequest struct {
	ID                  uuid.UUID        `json:"id"`
	UserID              uuid.UUID        `json:"user_id"`
	RequestedTokens     int64            `json:"requested_tokens"`
	ApprovedTokens      int64            `json:"approved_tokens"`
	PayoutCurrency      string           `json:"payout_currency"`
	PayoutAmount        decimal.Decimal  `json:"payout_amount"`
	Status              WithdrawalStatus `json:"status"`
	RiskScoreAtCreation int              `json:"risk_score_at_creation"`
	RiskLevelAtCreation RiskLevel        `json:"risk_level_at_creation"`
	PauseHours          int              `json:"pause_hours"`
	ManualReviewOnly    bool             `json:"manual_review_only"`
	KYCSnapshot         KYCSnapshot      `json:"kyc_snapshot"`
	RejectionReason     string           `json:"rejection_reason,omitempty"`
	ProviderPayoutID    *string          `json:"provider_payout_id,omitempty"`
	CreatedAt           time.Time        `json:"created_at"`
	UpdatedAt           time.Time        `json:"updated_at"`
	ApprovedAt          *time.Time       `json:"approved_at,omitempty"`
	PaidAt              *time.Time       `json:"paid_at,omitempty"`
}

// PauseExpiresAt returns when the soft pause window elapses.
func (w *WithdrawalRequest) PauseExpiresAt() time.Time {
	return w.CreatedAt.Add(time.Duration(w.PauseHours) * time.Hour)
}

// Terminal reports whether the request can never change again.
func (w *WithdrawalRequest) Terminal() bool {
	return w.Status == WithdrawalPaid || w.Status == WithdrawalRejected
}

// LedgerTransaction is the immutable record of one token burn.
type LedgerTransaction struct {
	ID           uuid.UUID `json:"id"`
	UserID       uuid.UUID `json:"user_id"`
	WithdrawalID uuid.UUID `json:"withdrawal_id"`
	Tokens       int64     `json:"tokens"`
	BalanceAfter int64     `json:"balance_after"`
	CreatedAt    time.Time `json:"created_at"`
}

// MonthlyWithdrawalStats accumulates per (user, calendar month).
// Monotonically increasing within a month, reset at the boundary.
type MonthlyWithdrawalStats struct {
	UserID          uuid.UUID       `json:"user_id"`
	Month           string          `json:"month"` // YYYY-MM
	TokensWithdrawn int64           `json:"tokens_withdrawn"`
	FiatWithdrawn   decimal.Decimal `json:"fiat_withdrawn"`
	WithdrawalCount int             `json:"withdrawal_count"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// MonthKey formats t as the stats accumulator key.
func MonthKey(t time.Time) string { return t.UTC().Format("2006-01") }

// AuditEventType enum values
const (
	AuditEventValidation      = "validation"
	AuditEventTransition      = "withdrawal_transition"
	AuditEventRejection       = "withdrawal_rejection"
	AuditEventRiskComputed    = "risk_computed"
	AuditEventAnomalyAction   = "anomaly_action"
	AuditEventReportGenerated = "report_generated"
)

// AuditLogEntry is append-only, one per decision point. Never updated
// or deleted.
type AuditLogEntry struct {
	ID             uuid.UUID  `json:"id"`
	EventType      string     `json:"event_type"`
	UserID         uuid.UUID  `json:"user_id"`
	ActorID        *uuid.UUID `json:"actor_id,omitempty"`
	Module         string     `json:"module"`
	Decision       string     `json:"decision"`
	ViolationKinds []string   `json:"violation_kinds,omitempty"`
	MaxSeverity    string     `json:"max_severity,omitempty"`
	Detail         JSONB      `json:"detail"`
	RequestID      string     `json:"request_id,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// HasViolations reports whether the entry recorded any rule breach.
func (e *AuditLogEntry) HasViolations() bool { return len(e.ViolationKinds) > 0 }

// AnomalyType enum values
type AnomalyType string

const (
	AnomalyRepeatedViolations AnomalyType = "REPEATED_VIOLATIONS"
	AnomalyCriticalViolation  AnomalyType = "CRITICAL_VIOLATION"
)

// AnomalyCategory classifies the dominant violation kind by first-match
// precedence: split > free-feature-abuse > refund-fraud > safety-bypass
// > price-manipulation.
type AnomalyCategory string

const (
	CategorySplitManipulation AnomalyCategory = "SPLIT_MANIPULATION"
	CategoryFreeFeatureAbuse  AnomalyCategory = "FREE_FEATURE_ABUSE"
	CategoryRefundFraud       AnomalyCategory = "REFUND_FRAUD"
	CategorySafetyBypass      AnomalyCategory = "SAFETY_BYPASS"
	CategoryPriceManipulation AnomalyCategory = "PRICE_MANIPULATION"
)

// ProtectiveAction enum values
const (
	ActionFlagForReview       = "FLAG_FOR_REVIEW"
	ActionFreezeEarnings      = "FREEZE_EARNINGS"
	ActionNotifyReviewers     = "NOTIFY_REVIEWERS"
	ActionBlockBookings       = "BLOCK_BOOKINGS"
	ActionBlockTokenPurchases = "BLOCK_TOKEN_PURCHASES"
)

// SuspiciousAnomaly is a cross-transaction abuse pattern. Created by the
// anomaly monitor, closed later by a human reviewer.
type SuspiciousAnomaly struct {
	ID               uuid.UUID         `json:"id"`
	UserID           uuid.UUID         `json:"user_id"`
	Type             AnomalyType       `json:"type"`
	Category         AnomalyCategory   `json:"category"`
	Severity         ViolationSeverity `json:"severity"`
	TriggeringDetail JSONB             `json:"triggering_detail"`
	AutoActionsTaken []string          `json:"auto_actions_taken"`
	Resolved         bool              `json:"resolved"`
	ResolvedBy       *uuid.UUID        `json:"resolved_by,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
}

// DailyReport aggregates the prior 24 hours of audit activity.
type DailyReport struct {
	Date             string         `json:"date"`
	TotalValidations int            `json:"total_validations"`
	ViolationCount   int            `json:"violation_count"`
	BlockedCount     int            `json:"blocked_count"`
	AnomalyCount     int            `json:"anomaly_count"`
	ByViolationKind  map[string]int `json:"by_violation_kind"`
	ByModule         map[string]int `json:"by_module"`
	FlaggedForReview []uuid.UUID    `json:"flagged_for_review"`
	GeneratedAt      time.Time      `json:"generated_at"`
}

// WeeklyReport rolls up seven daily reports.
type WeeklyReport struct {
	WeekStart        string         `json:"week_start"`
	Days             []*DailyReport `json:"days"`
	TotalValidations int            `json:"total_validations"`
	ViolationCount   int            `json:"violation_count"`
	BlockedCount     int            `json:"blocked_count"`
	AnomalyCount     int            `json:"anomaly_count"`
	ByViolationKind  map[string]int `json:"by_violation_kind"`
	GeneratedAt      time.Time      `json:"generated_at"`
}

// AuditEvent is the event published to the Redis audit stream so
// protective side effects can run off the request path.
type AuditEvent struct {
	EntryID        string    `json:"entry_id"`
	EventType      string    `json:"event_type"`
	UserID         string    `json:"user_id"`
	Module         string    `json:"module"`
	Decision       string    `json:"decision"`
	ViolationKinds []string  `json:"violation_kinds,omitempty"`
	MaxSeverity    string    `json:"max_severity,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
	RetryCount     int       `json:"retry_count"`
}

// JSONB is a helper type for PostgreSQL JSONB columns
type JSONB map[string]interface{}

func (j JSONB) Value() ([]byte, error) {
	return json.Marshal(j)
}

func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return nil
	}
	return json.Unmarshal(bytes, j)
}
