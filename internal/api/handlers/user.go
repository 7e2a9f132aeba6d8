package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/halcyonlab/persistguard/internal/api/utils"
	"github.com/halcyonlab/persistguard/internal/auth"
)

// LoginRequest is the login payload
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginHandler authenticates a user and issues a bearer token
func LoginHandler(authSvc *auth.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req LoginRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			utils.SendErrorResponse(w, utils.NewAPIError("Invalid request body", http.StatusBadRequest))
			return
		}
		if req.Username == "" || req.Password == "" {
			utils.SendErrorResponse(w, utils.NewAPIError("Username and password are required", http.StatusBadRequest))
			return
		}

		user, err := authSvc.AuthenticateUser(req.Username, req.Password)
		if err != nil {
			if errors.Is(err, auth.ErrInvalidCredentials) || errors.Is(err, auth.ErrInactiveUser) {
				utils.SendErrorResponse(w, utils.NewAPIError("Invalid credentials", http.StatusUnauthorized))
			} else {
				utils.SendErrorResponse(w, utils.NewAPIError("Authentication failed", http.StatusInternalServerError))
			}
			return
		}

		token, err := authSvc.GenerateToken(user)
		if err != nil {
			utils.SendErrorResponse(w, utils.NewAPIError("Token generation failed", http.StatusInternalServerError))
			return
		}

		utils.SendSuccessResponse(w, map[string]any{
			"token":    token,
			"username": user.Username,
			"role":     user.Role,
		})
	}
}
