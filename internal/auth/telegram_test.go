package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"testing"
	"time"
)

const testBotToken = "123456:TEST-TOKEN"

// signInitData builds a valid init string the way the host platform does.
func signInitData(t *testing.T, botToken string, fields map[string]string) string {
	t.Helper()

	pairs := make([]string, 0, len(fields))
	for k, v := range fields {
		pairs = append(pairs, fmt.Sprintf("%s=%s", k, v))
	}
	sort.Strings(pairs)
	dataCheckString := strings.Join(pairs, "\n")

	keyMac := hmac.New(sha256.New, []byte("WebAppData"))
	keyMac.Write([]byte(botToken))
	secretKey := keyMac.Sum(nil)

	mac := hmac.New(sha256.New, secretKey)
	mac.Write([]byte(dataCheckString))
	hash := hex.EncodeToString(mac.Sum(nil))

	values := url.Values{}
	for k, v := range fields {
		values.Set(k, v)
	}
	values.Set("hash", hash)
	return values.Encode()
}

func validFields(now time.Time) map[string]string {
	return map[string]string{
		"auth_date": fmt.Sprintf("%d", now.Unix()),
		"query_id":  "AAE1",
		"user":      `{"id":4242,"first_name":"Alice","username":"alice_trades"}`,
	}
}

func TestVerifyInitDataAccepted(t *testing.T) {
	now := time.Now()
	initData := signInitData(t, testBotToken, validFields(now))

	verified, err := VerifyInitData(initData, testBotToken, now)
	if err != nil {
		t.Fatalf("VerifyInitData: %v", err)
	}
	if verified.User.ID != 4242 || verified.User.Username != "alice_trades" {
		t.Fatalf("user = %+v", verified.User)
	}
}

func TestVerifyInitDataRejectsTampering(t *testing.T) {
	now := time.Now()
	fields := validFields(now)
	initData := signInitData(t, testBotToken, fields)

	// Swap the embedded user after signing.
	tampered := strings.Replace(initData, url.QueryEscape(`"id":4242`), url.QueryEscape(`"id":777`), 1)
	if tampered == initData {
		t.Fatal("tampering did not change the payload")
	}
	if _, err := VerifyInitData(tampered, testBotToken, now); err == nil {
		t.Fatal("tampered init data accepted")
	}
}

func TestVerifyInitDataRejectsWrongToken(t *testing.T) {
	now := time.Now()
	initData := signInitData(t, "other:token", validFields(now))
	if _, err := VerifyInitData(initData, testBotToken, now); err == nil {
		t.Fatal("init data signed with wrong token accepted")
	}
}

func TestVerifyInitDataRejectsExpired(t *testing.T) {
	now := time.Now()
	fields := validFields(now.Add(-25 * time.Hour))
	initData := signInitData(t, testBotToken, fields)
	if _, err := VerifyInitData(initData, testBotToken, now); err == nil {
		t.Fatal("expired init data accepted")
	}

	// 23h old is still inside the window.
	fields = validFields(now.Add(-23 * time.Hour))
	initData = signInitData(t, testBotToken, fields)
	if _, err := VerifyInitData(initData, testBotToken, now); err != nil {
		t.Fatalf("23h-old init data rejected: %v", err)
	}
}

func TestVerifyInitDataRejectsMissingHash(t *testing.T) {
	values := url.Values{}
	values.Set("auth_date", fmt.Sprintf("%d", time.Now().Unix()))
	if _, err := VerifyInitData(values.Encode(), testBotToken, time.Now()); err == nil {
		t.Fatal("init data without hash accepted")
	}
}
