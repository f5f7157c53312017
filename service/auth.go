package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/zlnvch/docsync/store"
	"github.com/zlnvch/docsync/syncerr"
)

const tokenLifetime = 24 * time.Hour

// Principal is the authenticated caller of a request.
type Principal struct {
	UserId   string
	DeviceId string
}

func (s *Service) CreateJWT(userId string, deviceId string) (string, error) {
	now := s.now()
	claims := jwt.MapClaims{
		"id":       userId,
		"deviceId": deviceId,
		"exp":      now.Add(tokenLifetime).Unix(),
		"iat":      now.Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signedToken, err := token.SignedString(s.JWTSecret)
	if err != nil {
		return "", err
	}

	return signedToken, nil
}

func (s *Service) VerifyJWT(tokenString string) (string, string, time.Time, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		return s.JWTSecret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(s.now))
	if err != nil {
		return "", "", time.Time{}, err
	}

	if !token.Valid {
		return "", "", time.Time{}, errors.New("invalid token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", "", time.Time{}, errors.New("invalid token claims")
	}

	id, ok := claims["id"].(string)
	if !ok || id == "" {
		return "", "", time.Time{}, errors.New("missing id claim")
	}

	deviceId, ok := claims["deviceId"].(string)
	if !ok || deviceId == "" {
		return "", "", time.Time{}, errors.New("missing deviceId claim")
	}

	expFloat, ok := claims["exp"].(float64)
	if !ok {
		return "", "", time.Time{}, errors.New("missing exp claim")
	}
	expiry := time.Unix(int64(expFloat), 0)

	return id, deviceId, expiry, nil
}

// AuthenticateToken checks the token only. Pending devices use it to
// register and to poll for their approval.
func (s *Service) AuthenticateToken(ctx context.Context, token string) (Principal, error) {
	if len(token) == 0 {
		return Principal{}, fmt.Errorf("%w: token not provided", syncerr.ErrUnauthorized)
	}

	userId, deviceId, _, err := s.VerifyJWT(token)
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %v", syncerr.ErrUnauthorized, err)
	}

	return Principal{UserId: userId, DeviceId: deviceId}, nil
}

// AuthenticateDevice additionally requires the token's device to be approved
// and not revoked.
func (s *Service) AuthenticateDevice(ctx context.Context, token string) (Principal, error) {
	p, err := s.AuthenticateToken(ctx, token)
	if err != nil {
		return Principal{}, err
	}

	device, err := s.Store.GetDevice(ctx, p.UserId, p.DeviceId)
	if err != nil {
		if errors.Is(err, store.ErrItemNotFound) {
			return Principal{}, fmt.Errorf("%w: unknown device", syncerr.ErrUnauthorized)
		}
		return Principal{}, mapStoreError(err)
	}
	if !device.Approved {
		return Principal{}, fmt.Errorf("%w: device %s is not approved", syncerr.ErrUnauthorized, p.DeviceId)
	}

	// Async side-effects - return to caller as soon as the store operation is done
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		if err := s.Store.TouchDevice(ctx, p.UserId, p.DeviceId, s.now().Unix()); err != nil {
			s.Log.Warnf("Failed to touch device %s: %v", p.DeviceId, err)
		}
	}()

	return p, nil
}
