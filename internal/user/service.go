package user

import (
	"context"
	"regexp"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
	"golang.org/x/crypto/bcrypt"

	"dmchat/internal/apperr"
)

const issuer = "dmchat"

type Service struct {
	repo      Store
	jwtSecret string
	tokenTTL  time.Duration
	// bcrypt cost; tests lower it
	cost int
}

type MyJWTClaims struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

func NewService(repo Store, secret string, ttl time.Duration) *Service {
	return &Service{
		repo:      repo,
		jwtSecret: secret,
		tokenTTL:  ttl,
		cost:      bcrypt.DefaultCost,
	}
}

var usernameRegex = regexp.MustCompile(`^[a-z0-9_]{3,32}$`)

func (s *Service) Register(ctx context.Context, req *RegisterRequest) (*User, error) {
	if !usernameRegex.MatchString(req.Username) {
		return nil, apperr.ErrInvalidUsername
	}
	if len(req.Password) < 8 {
		return nil, apperr.ErrInvalidPassword
	}

	hashedPwd, err := bcrypt.GenerateFromPassword([]byte(req.Password), s.cost)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, "registration failed", err)
	}

	u, err := s.repo.CreateUser(ctx, &User{
		Username: req.Username,
		Password: string(hashedPwd),
	})
	if err != nil {
		if errors.Is(err, ErrDuplicate) {
			return nil, apperr.ErrUsernameTaken
		}
		return nil, apperr.Unavailable(err)
	}
	return u, nil
}

func (s *Service) Login(ctx context.Context, req *RegisterRequest) (*LoginResponse, error) {
	u, err := s.repo.GetUserByUsername(ctx, req.Username)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, apperr.ErrInvalidCredentials
		}
		return nil, apperr.Unavailable(err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(u.Password), []byte(req.Password)); err != nil {
		return nil, apperr.ErrInvalidCredentials
	}

	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, MyJWTClaims{
		ID:       u.ID,
		Username: u.Username,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   u.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.tokenTTL)),
		},
	})

	ss, err := token.SignedString([]byte(s.jwtSecret))
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, "token signing failed", err)
	}

	return &LoginResponse{
		AccessToken: ss,
		ExpiresIn:   int(s.tokenTTL.Seconds()),
		TokenType:   "Bearer",
		ID:          u.ID,
		Username:    u.Username,
	}, nil
}

// ValidateToken returns the user id and username carried by a token we issued.
func (s *Service) ValidateToken(tokenString string) (string, string, error) {
	claims := &MyJWTClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return []byte(s.jwtSecret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(issuer))

	if err != nil || !token.Valid {
		return "", "", apperr.ErrInvalidToken
	}

	return claims.ID, claims.Username, nil
}

func (s *Service) SearchUsers(ctx context.Context, query string) ([]User, error) {
	users, err := s.repo.SearchUsers(ctx, query)
	if err != nil {
		return nil, apperr.Unavailable(err)
	}
	if users == nil {
		users = []User{}
	}
	return users, nil
}

// Exists implements chat.UserDirectory.
func (s *Service) Exists(ctx context.Context, id string) (bool, error) {
	return s.repo.Exists(ctx, id)
}
