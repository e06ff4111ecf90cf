package devserver

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt"
)

const (
	TokenCookieKey = "token"
	defaultExp     = 24 * time.Hour

	userIdClaim = "user-id"
	nameClaim   = "name"
	expClaim    = "exp"
)

type User struct {
	Id   string `json:"id"`
	Name string `json:"name,omitempty"`
}

type contextKey string

const userKey contextKey = "user"

func WithUser(ctx context.Context, u User) context.Context {
	return context.WithValue(ctx, userKey, u)
}

func UserFrom(ctx context.Context) (User, bool) {
	u, ok := ctx.Value(userKey).(User)
	return u, ok
}

type loginResponse struct {
	User
	Token string `json:"token"`
}

// devLogin issues a session for any user id without a password. It exists
// so clients can be exercised against a local backend.
func (s *Server) devLogin(w http.ResponseWriter, r *http.Request) {
	u := User{
		Id:   r.URL.Query().Get("user"),
		Name: r.URL.Query().Get("name"),
	}
	if u.Id == "" {
		errResp := NewBadRequestError("user is required")
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	token, err := s.createJwtForSession(u, defaultExp)
	if err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	http.SetCookie(w, createJwtCookie(token, defaultExp))
	s.writeJson(w, http.StatusOK, loginResponse{User: u, Token: token})
}

func createJwtCookie(tokenString string, exp time.Duration) *http.Cookie {
	return &http.Cookie{
		Name:     TokenCookieKey,
		Value:    tokenString,
		Path:     "/",
		Expires:  time.Now().Add(exp),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}
}

func (s *Server) createJwtForSession(u User, exp time.Duration) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		userIdClaim: u.Id,
		nameClaim:   u.Name,
		expClaim:    time.Now().Add(exp).Unix(),
	})

	return token.SignedString(s.signingKey)
}

func (s *Server) verifyToken(tokenString string) (*jwt.Token, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.signingKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}

	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}

	return token, nil
}

func (s *Server) extractUserFromToken(tokenString string) (User, error) {
	token, err := s.verifyToken(tokenString)
	if err != nil {
		return User{}, fmt.Errorf("verify token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return User{}, fmt.Errorf("invalid token claims")
	}

	id, ok := claims[userIdClaim].(string)
	if !ok || id == "" {
		return User{}, fmt.Errorf("invalid user id claim")
	}
	name, _ := claims[nameClaim].(string)

	return User{Id: id, Name: name}, nil
}

func (s *Server) userFromRequest(r *http.Request) (User, error) {
	tokenCookie, err := r.Cookie(TokenCookieKey)
	if err != nil {
		return User{}, fmt.Errorf("get cookie: %w", err)
	}

	return s.extractUserFromToken(tokenCookie.Value)
}

func (s *Server) authMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		u, err := s.userFromRequest(r)
		if err != nil {
			s.log.Printf("failed to extract user from token: %v", err)
			errResp := NewUnauthorizedError()
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}

		w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, private")
		next(w, r.WithContext(WithUser(r.Context(), u)))
	}
}

// optionalAuth attaches the user when a valid session cookie is present and
// lets anonymous requests through otherwise.
func (s *Server) optionalAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if u, err := s.userFromRequest(r); err == nil {
			r = r.WithContext(WithUser(r.Context(), u))
		}
		next(w, r)
	}
}
