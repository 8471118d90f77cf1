package api

import "time"

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	Token string `json:"token"`
}

// RecoverRequest carries the five recovery answers in question order.
// Empty strings are allowed; they are skipped by the gate.
type RecoverRequest struct {
	Username string   `json:"username"`
	Answers  []string `json:"answers"`
}

// RecoverResponse reveals the shared login password on success.
type RecoverResponse struct {
	Codeword string `json:"codeword"`
}

type PostMessageRequest struct {
	Content string `json:"content"`
}

type MessageResponse struct {
	Author    string    `json:"author"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
	Date      string    `json:"date"`
	Time      string    `json:"time"`
	Month     string    `json:"month"`
	Year      string    `json:"year"`
}

type TokensResponse struct {
	Tokens    int64     `json:"tokens"`
	NextReset time.Time `json:"nextReset"`
}

type UploadResponse struct {
	URL string `json:"url"`
}
