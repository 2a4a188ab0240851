package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"krypton-core/pkg/apperr"
)

// initDataMaxAge bounds how old host-supplied auth material may be.
const initDataMaxAge = 24 * time.Hour

// TelegramUser is the identity payload embedded in initData.
type TelegramUser struct {
	ID        int64  `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Username  string `json:"username"`
}

// InitData is the verified content of the host's init string.
type InitData struct {
	User       TelegramUser
	AuthDate   time.Time
	StartParam string
}

// VerifyInitData validates the Telegram WebApp init string: parse the
// query-string pairs, drop the hash field, rebuild the canonical
// key-sorted data-check string, and compare HMAC-SHA-256 digests in
// constant time. The verification key is HMAC-SHA-256("WebAppData",
// bot_token).
func VerifyInitData(initData, botToken string, now time.Time) (*InitData, error) {
	values, err := url.ParseQuery(initData)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindUnauthenticated, "malformed init data", err)
	}

	receivedHash := values.Get("hash")
	if receivedHash == "" {
		return nil, apperr.New(apperr.KindUnauthenticated, "init data missing hash")
	}
	values.Del("hash")

	pairs := make([]string, 0, len(values))
	for key := range values {
		pairs = append(pairs, fmt.Sprintf("%s=%s", key, values.Get(key)))
	}
	sort.Strings(pairs)
	dataCheckString := strings.Join(pairs, "\n")

	secretKey := hmacSHA256([]byte("WebAppData"), []byte(botToken))
	computed := hex.EncodeToString(hmacSHA256(secretKey, []byte(dataCheckString)))

	if !hmac.Equal([]byte(computed), []byte(receivedHash)) {
		return nil, apperr.New(apperr.KindUnauthenticated, "init data signature mismatch")
	}

	authUnix, err := strconv.ParseInt(values.Get("auth_date"), 10, 64)
	if err != nil {
		return nil, apperr.New(apperr.KindUnauthenticated, "init data missing auth_date")
	}
	authDate := time.Unix(authUnix, 0)
	if now.Sub(authDate) > initDataMaxAge {
		return nil, apperr.New(apperr.KindUnauthenticated, "init data expired")
	}

	var user TelegramUser
	if raw := values.Get("user"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &user); err != nil {
			return nil, apperr.Wrap(apperr.KindUnauthenticated, "init data user malformed", err)
		}
	}
	if user.ID == 0 {
		return nil, apperr.New(apperr.KindUnauthenticated, "init data missing user")
	}

	return &InitData{
		User:       user,
		AuthDate:   authDate,
		StartParam: values.Get("start_param"),
	}, nil
}

func hmacSHA256(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}
