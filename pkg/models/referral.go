package models

// CreateUserRequest represents a request to create a user
type CreateUserRequest struct {
	Email string `json:"email" validate:"required,email"`
	Name  string `json:"name" validate:"required,min=1,max=200"`
}

// ApplicationRequest represents a partner or ambassador application
type ApplicationRequest struct {
	UserID         string  `json:"user_id" validate:"required"`
	Role           string  `json:"role" validate:"required,oneof=partner ambassador"`
	Name           string  `json:"name" validate:"required,max=200"`
	Email          string  `json:"email" validate:"required,email"`
	Phone          string  `json:"phone,omitempty" validate:"omitempty,max=32"`
	Company        string  `json:"company,omitempty" validate:"omitempty,max=200"`
	Website        string  `json:"website,omitempty" validate:"omitempty,url"`
	Bio            string  `json:"bio,omitempty" validate:"omitempty,max=2000"`
	PreferredCode  string  `json:"preferred_code,omitempty" validate:"omitempty,min=4,max=32"`
	CommissionRate *string `json:"commission_rate,omitempty" validate:"omitempty,numeric"`
}

// StatusUpdateRequest represents an approval decision
type StatusUpdateRequest struct {
	Status string `json:"status" validate:"required,oneof=pending approved declined"`
}

// CommissionUpdateRequest sets or clears a referrer's commission rate
type CommissionUpdateRequest struct {
	CommissionRate *string `json:"commission_rate" validate:"omitempty,numeric"`
}

// UsageLimitRequest sets or clears a code's usage limit
type UsageLimitRequest struct {
	UsageLimit *int `json:"usage_limit" validate:"omitempty,min=0"`
}

// RedeemRequest represents a checkout applying a code
type RedeemRequest struct {
	Code   string `json:"code" validate:"required"`
	UserID string `json:"user_id" validate:"required"`
	Amount string `json:"amount" validate:"required,numeric"`
}

// PayoutRequestBody represents a referrer asking for a payout
type PayoutRequestBody struct {
	ReferrerID      string `json:"referrer_id" validate:"required"`
	PayoutAccountID string `json:"payout_account_id" validate:"required"`
}

// ValidateCodeResponse is returned by the code validation endpoint
type ValidateCodeResponse struct {
	Message      string `json:"message"`
	Valid        bool   `json:"valid"`
	Code         string `json:"code"`
	Role         string `json:"role,omitempty"`
	DiscountRate string `json:"discount_rate,omitempty"`
	Reason       string `json:"reason,omitempty"`
}
