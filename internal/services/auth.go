package services

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"

	"chattest-backend/internal/middleware"
	"chattest-backend/internal/models"
)

const (
	refreshTokenTTL     = 7 * 24 * time.Hour
	telegramLoginMaxAge = 24 * time.Hour
	telegramClockSkew   = time.Minute
)

type AuthService struct {
	redis             *redis.Client
	jwt               *middleware.JWTAuth
	botToken          string
	adminUsername     string
	adminPasswordHash string
	now               func() time.Time
}

func NewAuthService(redisClient *redis.Client, jwt *middleware.JWTAuth, botToken, adminUsername, adminPasswordHash string) *AuthService {
	return &AuthService{
		redis:             redisClient,
		jwt:               jwt,
		botToken:          botToken,
		adminUsername:     adminUsername,
		adminPasswordHash: adminPasswordHash,
		now:               time.Now,
	}
}

// TelegramLogin signs in a user through the Telegram login widget.
func (s *AuthService) TelegramLogin(ctx context.Context, payload models.TelegramLogin) (*models.AuthTokens, error) {
	if s.botToken == "" {
		return nil, &models.ValidationError{Fields: map[string]string{"telegram": "Telegram sign-in is not configured"}}
	}
	if err := VerifyTelegramLogin(payload, s.botToken, s.now()); err != nil {
		return nil, err
	}

	return s.issueTokens(ctx, models.Identity{
		UserID:      strconv.FormatInt(payload.ID, 10),
		DisplayName: telegramDisplayName(payload),
		Role:        models.RoleUser,
	})
}

// VerifyTelegramLogin checks the widget hash: HMAC-SHA256 of the sorted
// data-check string keyed with SHA256(bot token).
func VerifyTelegramLogin(payload models.TelegramLogin, botToken string, now time.Time) error {
	expected, err := hex.DecodeString(payload.Hash)
	if err != nil {
		return &models.UnauthorizedError{Message: "Invalid Telegram login"}
	}

	secret := sha256.Sum256([]byte(botToken))
	mac := hmac.New(sha256.New, secret[:])
	mac.Write([]byte(telegramDataCheckString(payload)))
	if !hmac.Equal(mac.Sum(nil), expected) {
		return &models.UnauthorizedError{Message: "Invalid Telegram login"}
	}

	authDate := time.Unix(payload.AuthDate, 0)
	if now.Sub(authDate) > telegramLoginMaxAge || authDate.Sub(now) > telegramClockSkew {
		return &models.UnauthorizedError{Message: "Telegram login has expired. Please sign in again."}
	}
	return nil
}

func telegramDataCheckString(p models.TelegramLogin) string {
	fields := map[string]string{
		"id":         strconv.FormatInt(p.ID, 10),
		"auth_date":  strconv.FormatInt(p.AuthDate, 10),
		"first_name": p.FirstName,
		"last_name":  p.LastName,
		"username":   p.Username,
		"photo_url":  p.PhotoURL,
	}

	lines := make([]string, 0, len(fields))
	for k, v := range fields {
		if v != "" {
			lines = append(lines, k+"="+v)
		}
	}
	sort.Strings(lines)
	return strings.Join(lines, "\n")
}

func telegramDisplayName(p models.TelegramLogin) string {
	name := strings.TrimSpace(p.FirstName + " " + p.LastName)
	if name == "" {
		name = p.Username
	}
	if name == "" {
		name = strconv.FormatInt(p.ID, 10)
	}
	return name
}

// AdminLogin signs in the dashboard operator configured by ADMIN_USERNAME and
// ADMIN_PASSWORD_HASH.
func (s *AuthService) AdminLogin(ctx context.Context, req models.AdminLoginRequest) (*models.AuthTokens, error) {
	if err := checkAdminCredentials(s.adminUsername, s.adminPasswordHash, req); err != nil {
		return nil, err
	}

	return s.issueTokens(ctx, models.Identity{
		UserID:      "admin:" + s.adminUsername,
		DisplayName: s.adminUsername,
		Role:        models.RoleAdmin,
	})
}

func checkAdminCredentials(username, passwordHash string, req models.AdminLoginRequest) error {
	invalid := &models.UnauthorizedError{Message: "Invalid username or password"}
	if username == "" || passwordHash == "" {
		return invalid
	}

	userOK := subtle.ConstantTimeCompare([]byte(req.Username), []byte(username)) == 1
	if err := bcrypt.CompareHashAndPassword([]byte(passwordHash), []byte(req.Password)); err != nil || !userOK {
		return invalid
	}
	return nil
}

func (s *AuthService) RefreshToken(ctx context.Context, refreshToken string) (*models.AuthTokens, error) {
	raw, err := s.redis.GetDel(ctx, "refresh:"+refreshToken).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, &models.UnauthorizedError{Message: "Invalid or expired refresh token. Please log in again."}
		}
		return nil, &models.UnavailableError{Op: "refresh token lookup", Err: err}
	}

	var identity models.Identity
	if err := json.Unmarshal([]byte(raw), &identity); err != nil || identity.UserID == "" {
		return nil, &models.UnauthorizedError{Message: "Invalid or expired refresh token. Please log in again."}
	}

	return s.issueTokens(ctx, identity)
}

func (s *AuthService) Logout(ctx context.Context, refreshToken string) error {
	return s.redis.Del(ctx, "refresh:"+refreshToken).Err()
}

func (s *AuthService) issueTokens(ctx context.Context, identity models.Identity) (*models.AuthTokens, error) {
	accessToken, err := s.jwt.GenerateAccessToken(identity)
	if err != nil {
		return nil, fmt.Errorf("failed to generate access token: %w", err)
	}

	refreshToken, err := generateToken(64)
	if err != nil {
		return nil, err
	}

	data, _ := json.Marshal(identity)
	if err := s.redis.Set(ctx, "refresh:"+refreshToken, string(data), refreshTokenTTL).Err(); err != nil {
		return nil, fmt.Errorf("failed to store refresh token: %w", err)
	}

	return &models.AuthTokens{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresIn:    int(s.jwt.TTL.Seconds()),
		User:         identity,
	}, nil
}

func generateToken(bytes int) (string, error) {
	b := make([]byte, bytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return hex.EncodeToString(b), nil
}
