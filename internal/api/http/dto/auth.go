package dto

type LoginRequest struct {
	Password string `json:"password" binding:"required"`
}

type LoginResponse struct {
	Token string `json:"token"`
}

type UpdateCredentialsRequest struct {
	Password string `json:"password" binding:"required"`
}

type UpdateCredentialsResponse struct {
	Notified int `json:"notified"`
}

type UnlockRequest struct {
	Password string `json:"password" binding:"required"`
}
