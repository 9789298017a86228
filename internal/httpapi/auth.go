package httpapi

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"swiftpos/backend/internal/domain"
)

const tokenIssuer = "swiftpos"

var errInvalidCredentials = errors.New("invalid credentials")

// UserStore is the slice of the repository auth needs.
type UserStore interface {
	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}

// AuthManager issues and verifies the bearer tokens terminals present on
// every sync and catalog call, and gates destructive counter actions behind
// the manager PIN. Credentials are read through the user store on each
// login; there is no in-process cache, so an account an admin disables
// stops authenticating on its next attempt.
type AuthManager struct {
	secret   []byte
	tokenTTL time.Duration
	tenantID string
	pinHash  []byte
	users    UserStore
}

// terminalClaims bind a token to a role and a tenant. The tenant claim is
// checked on parse so a token minted for one shop can never replay
// mutations into another shop's ledger.
type terminalClaims struct {
	jwtlib.RegisteredClaims
	Role     string `json:"role"`
	TenantID string `json:"tenant_id"`
}

func NewAuthManager(secret string, tokenTTL time.Duration, managerPIN string, tenantID string, users UserStore) *AuthManager {
	if secret == "" {
		secret = "dev-change-me"
	}
	if tokenTTL <= 0 {
		tokenTTL = 8 * time.Hour
	}
	if tenantID == "" {
		tenantID = "main-tenant"
	}

	// The PIN is kept only as a bcrypt hash. An empty PIN disables the
	// gated endpoints outright rather than accepting anything.
	var pinHash []byte
	if pin := strings.TrimSpace(managerPIN); pin != "" {
		if hash, err := bcrypt.GenerateFromPassword([]byte(pin), bcrypt.DefaultCost); err == nil {
			pinHash = hash
		}
	}

	return &AuthManager{
		secret:   []byte(secret),
		tokenTTL: tokenTTL,
		tenantID: tenantID,
		pinHash:  pinHash,
		users:    users,
	}
}

func (a *AuthManager) Login(ctx context.Context, req domain.LoginRequest) (domain.LoginResponse, error) {
	account, err := a.findUser(ctx, req.Username)
	if err != nil {
		return domain.LoginResponse{}, errInvalidCredentials
	}
	if bcrypt.CompareHashAndPassword([]byte(account.Password), []byte(req.Password)) != nil {
		return domain.LoginResponse{}, errInvalidCredentials
	}
	if !account.Active {
		return domain.LoginResponse{}, errors.New("account is inactive")
	}

	expiresAt := time.Now().UTC().Add(a.tokenTTL)
	token, err := a.sign(account.Username, account.Role, expiresAt)
	if err != nil {
		return domain.LoginResponse{}, fmt.Errorf("failed to sign token: %w", err)
	}

	return domain.LoginResponse{
		AccessToken: token,
		Role:        account.Role,
		ExpiresAt:   expiresAt.Format(time.RFC3339),
	}, nil
}

// ParseToken verifies a bearer token and returns the actor it represents.
// Tokens from another tenant are rejected even when the signature checks
// out.
func (a *AuthManager) ParseToken(tokenStr string) (domain.Actor, error) {
	claims := &terminalClaims{}
	token, err := jwtlib.ParseWithClaims(tokenStr, claims, func(t *jwtlib.Token) (interface{}, error) {
		return a.secret, nil
	}, jwtlib.WithValidMethods([]string{"HS256"}), jwtlib.WithIssuer(tokenIssuer))
	if err != nil || !token.Valid {
		return domain.Actor{}, errors.New("invalid or expired token")
	}
	if claims.Subject == "" {
		return domain.Actor{}, errors.New("invalid token subject")
	}
	if claims.TenantID != a.tenantID {
		return domain.Actor{}, errors.New("token issued for another tenant")
	}
	return domain.Actor{Username: claims.Subject, Role: claims.Role, TenantID: claims.TenantID}, nil
}

func (a *AuthManager) sign(username string, role string, expiresAt time.Time) (string, error) {
	claims := terminalClaims{
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:   username,
			Issuer:    tokenIssuer,
			IssuedAt:  jwtlib.NewNumericDate(time.Now().UTC()),
			ExpiresAt: jwtlib.NewNumericDate(expiresAt),
		},
		Role:     role,
		TenantID: a.tenantID,
	}
	return jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims).SignedString(a.secret)
}

func (a *AuthManager) ValidateManagerPIN(pin string) bool {
	input := strings.TrimSpace(pin)
	if input == "" || len(a.pinHash) == 0 {
		return false
	}
	return bcrypt.CompareHashAndPassword(a.pinHash, []byte(input)) == nil
}

func (a *AuthManager) CreateCashier(ctx context.Context, req domain.CashierCreateRequest) (domain.CashierUser, error) {
	username := strings.ToLower(strings.TrimSpace(req.Username))
	if len(username) < 4 {
		return domain.CashierUser{}, fmt.Errorf("username must be at least 4 characters")
	}
	if strings.ContainsAny(username, " \t\r\n") {
		return domain.CashierUser{}, fmt.Errorf("username must not contain spaces")
	}
	if len(strings.TrimSpace(req.Password)) < 6 {
		return domain.CashierUser{}, fmt.Errorf("password must be at least 6 characters")
	}
	if _, err := a.findUser(ctx, username); err == nil {
		return domain.CashierUser{}, fmt.Errorf("username already exists")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return domain.CashierUser{}, fmt.Errorf("failed to hash password")
	}

	now := time.Now().UTC()
	err = a.users.CreateUser(ctx, domain.UserAccount{
		Username:  username,
		Password:  string(hash),
		Role:      "cashier",
		Active:    true,
		CreatedAt: now,
	})
	if err != nil {
		return domain.CashierUser{}, err
	}

	return domain.CashierUser{
		Username:  username,
		Role:      "cashier",
		Active:    true,
		CreatedAt: now,
	}, nil
}

// UpdateCashierPassword rehashes and stores a new password for an existing
// cashier account. Admin accounts are excluded; those rotate through ops,
// not the counter API.
func (a *AuthManager) UpdateCashierPassword(ctx context.Context, username string, password string) error {
	account, err := a.findUser(ctx, username)
	if err != nil {
		return err
	}
	if account.Role != "cashier" {
		return fmt.Errorf("only cashier passwords can be reset")
	}
	if len(strings.TrimSpace(password)) < 6 {
		return fmt.Errorf("password must be at least 6 characters")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash password")
	}
	return a.users.UpdateUserPassword(ctx, account.Username, string(hash))
}

func (a *AuthManager) ListCashiers(ctx context.Context) ([]domain.CashierUser, error) {
	accounts, err := a.users.ListUsers(ctx)
	if err != nil {
		return nil, err
	}

	cashiers := make([]domain.CashierUser, 0, len(accounts))
	for _, account := range accounts {
		if account.Role != "cashier" {
			continue
		}
		cashiers = append(cashiers, domain.CashierUser{
			Username:  account.Username,
			Role:      account.Role,
			Active:    account.Active,
			CreatedAt: account.CreatedAt,
		})
	}
	sort.Slice(cashiers, func(i, j int) bool {
		return cashiers[i].Username < cashiers[j].Username
	})
	return cashiers, nil
}

func (a *AuthManager) findUser(ctx context.Context, username string) (domain.UserAccount, error) {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" {
		return domain.UserAccount{}, errInvalidCredentials
	}
	accounts, err := a.users.ListUsers(ctx)
	if err != nil {
		return domain.UserAccount{}, err
	}
	for _, account := range accounts {
		if strings.ToLower(account.Username) == username {
			return account, nil
		}
	}
	return domain.UserAccount{}, errInvalidCredentials
}
