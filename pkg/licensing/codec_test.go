package licensing

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"testing"
)

var testSecret = bytes.Repeat([]byte{0x42}, 32)

func newTestCodec(t *testing.T) *Codec {
	t.Helper()
	c, err := NewCodec(testSecret)
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	return c
}

// sealRaw seals arbitrary plaintext the way Encode does, bypassing record validation.
func sealRaw(t *testing.T, c *Codec, plaintext []byte) string {
	t.Helper()
	nonce := make([]byte, c.aead.NonceSize())
	out := append([]byte{envelopeV1}, nonce...)
	out = c.aead.Seal(out, nonce, plaintext, []byte{envelopeV1})
	return tokenEncoding.EncodeToString(out)
}

func TestCodecRoundTrip(t *testing.T) {
	c := newTestCodec(t)

	records := []Record{
		{SubjectID: "u1", ExpiresAt: NeverExpires, MaxUses: 5, CurrentUses: 4, Features: []string{"gen"}},
		{SubjectID: "u2", ExpiresAt: 1893456000, MaxUses: UnlimitedUses, Features: []string{}},
		{SubjectID: "u3", ExpiresAt: 0, MaxUses: 0, Features: []string{"a", "b", "c"}},
		{SubjectID: "用户", ExpiresAt: 1700000000, MaxUses: 3, CurrentUses: 7, Features: []string{"🎨"}},
	}

	for _, rec := range records {
		token, err := c.Encode(rec)
		if err != nil {
			t.Fatalf("Encode(%+v): %v", rec, err)
		}
		got, err := c.Decode(token)
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if !reflect.DeepEqual(got, rec) {
			t.Errorf("round trip mismatch:\n got  %+v\n want %+v", got, rec)
		}
	}
}

func TestCodecNilFeaturesDecodeAsEmpty(t *testing.T) {
	c := newTestCodec(t)

	token, err := c.Encode(Record{SubjectID: "u1", ExpiresAt: NeverExpires, MaxUses: 1})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := c.Decode(token)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Features == nil || len(got.Features) != 0 {
		t.Fatalf("expected empty non-nil features, got %#v", got.Features)
	}
}

func TestCodecEncodeUsesFreshNonce(t *testing.T) {
	c := newTestCodec(t)
	rec := Record{SubjectID: "u1", ExpiresAt: NeverExpires, MaxUses: 1, Features: []string{}}

	a, err := c.Encode(rec)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	b, err := c.Encode(rec)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if a == b {
		t.Fatal("expected distinct tokens for repeated encodes")
	}
}

func TestCodecDetectsTampering(t *testing.T) {
	c := newTestCodec(t)
	token, err := c.Encode(Record{SubjectID: "u1", ExpiresAt: NeverExpires, MaxUses: 5, Features: []string{"gen"}})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	t.Run("every_token_character", func(t *testing.T) {
		for i := 0; i < len(token); i++ {
			b := []byte(token)
			b[i] ^= 0x01
			if _, err := c.Decode(string(b)); !errors.Is(err, ErrDecode) {
				t.Fatalf("byte %d flipped: expected ErrDecode, got %v", i, err)
			}
		}
	})

	t.Run("every_sealed_byte", func(t *testing.T) {
		raw, err := tokenEncoding.DecodeString(token)
		if err != nil {
			t.Fatalf("decode token: %v", err)
		}
		for i := range raw {
			b := append([]byte(nil), raw...)
			b[i] ^= 0x80
			if _, err := c.Decode(tokenEncoding.EncodeToString(b)); !errors.Is(err, ErrDecode) {
				t.Fatalf("raw byte %d flipped: expected ErrDecode, got %v", i, err)
			}
		}
	})
}

func TestCodecRejectsForeignKey(t *testing.T) {
	c := newTestCodec(t)
	other, err := NewCodec(bytes.Repeat([]byte{0x24}, 32))
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}

	token, err := other.Encode(Record{SubjectID: "u1", ExpiresAt: NeverExpires, MaxUses: 1, Features: []string{}})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	_, err = c.Decode(token)
	if !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("expected ErrAuthFailed, got %v", err)
	}
	if PublicMessage(err) != MessageValidationFailed {
		t.Fatalf("expected generic message, got %q", PublicMessage(err))
	}
}

func TestCodecDecodeMalformed(t *testing.T) {
	c := newTestCodec(t)

	tests := []struct {
		name  string
		token string
		want  error
	}{
		{name: "empty", token: "", want: ErrEmptyToken},
		{name: "whitespace", token: "   \n", want: ErrEmptyToken},
		{name: "not_base64", token: "!!!not-a-token!!!", want: ErrMalformedToken},
		{name: "too_short", token: tokenEncoding.EncodeToString([]byte{envelopeV1, 1, 2, 3}), want: ErrMalformedToken},
		{name: "wrong_envelope", token: tokenEncoding.EncodeToString(append([]byte{0x02}, make([]byte, 40)...)), want: ErrMalformedToken},
		{name: "oversized", token: strings.Repeat("A", maxTokenSize+1), want: ErrMalformedToken},
		{name: "fernet_shaped", token: "gAAAAABlZ2V0LWEtcmVhbC10b2tlbi1oZXJlLXBsZWFzZQ==", want: ErrMalformedToken},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Decode(tt.token)
			if !errors.Is(err, tt.want) {
				t.Fatalf("Decode(%q) error = %v, want %v", tt.token, err, tt.want)
			}
		})
	}
}

func TestCodecRejectsEmbeddedLineBreaks(t *testing.T) {
	c := newTestCodec(t)
	token, err := c.Encode(Record{SubjectID: "u1", ExpiresAt: NeverExpires, MaxUses: 5})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	for _, sep := range []string{"\n", "\r", "\r\n"} {
		for _, at := range []int{1, 10, len(token) - 1} {
			mangled := token[:at] + sep + token[at:]
			if _, err := c.Decode(mangled); !errors.Is(err, ErrMalformedToken) {
				t.Fatalf("Decode with %q at %d: expected ErrMalformedToken, got %v", sep, at, err)
			}
		}
	}

	if _, err := c.Decode(" " + token + "\r\n"); err != nil {
		t.Fatalf("surrounding whitespace should be trimmed, got %v", err)
	}
}

func TestCodecDecodeSchemaErrors(t *testing.T) {
	c := newTestCodec(t)

	tests := []struct {
		name    string
		payload string
		want    error
	}{
		{name: "not_json", payload: `not json`, want: ErrSchema},
		{name: "missing_version", payload: `{"user_id":"u","expire_time":-1,"max_uses":1,"features":[]}`, want: ErrUnsupportedVersion},
		{name: "future_version", payload: `{"v":2,"user_id":"u","expire_time":-1,"max_uses":1,"features":[]}`, want: ErrUnsupportedVersion},
		{name: "missing_user_id", payload: `{"v":1,"expire_time":-1,"max_uses":1,"features":[]}`, want: ErrSchema},
		{name: "missing_expire_time", payload: `{"v":1,"user_id":"u","max_uses":1,"features":[]}`, want: ErrSchema},
		{name: "missing_max_uses", payload: `{"v":1,"user_id":"u","expire_time":-1,"features":[]}`, want: ErrSchema},
		{name: "missing_features", payload: `{"v":1,"user_id":"u","expire_time":-1,"max_uses":1}`, want: ErrSchema},
		{name: "null_features", payload: `{"v":1,"user_id":"u","expire_time":-1,"max_uses":1,"features":null}`, want: ErrSchema},
		{name: "empty_user_id", payload: `{"v":1,"user_id":" ","expire_time":-1,"max_uses":1,"features":[]}`, want: ErrSchema},
		{name: "negative_max_uses", payload: `{"v":1,"user_id":"u","expire_time":-1,"max_uses":-2,"features":[]}`, want: ErrSchema},
		{name: "negative_current_uses", payload: `{"v":1,"user_id":"u","expire_time":-1,"max_uses":1,"current_uses":-1,"features":[]}`, want: ErrSchema},
		{name: "bad_expire_time", payload: `{"v":1,"user_id":"u","expire_time":-5,"max_uses":1,"features":[]}`, want: ErrSchema},
		{name: "wrong_type", payload: `{"v":1,"user_id":7,"expire_time":-1,"max_uses":1,"features":[]}`, want: ErrSchema},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Decode(sealRaw(t, c, []byte(tt.payload)))
			if !errors.Is(err, tt.want) {
				t.Fatalf("Decode error = %v, want %v", err, tt.want)
			}
			if errors.Is(err, ErrDecode) {
				t.Fatalf("schema failure should not match ErrDecode: %v", err)
			}
			if PublicMessage(err) != MessageValidationFailed {
				t.Fatalf("expected generic message, got %q", PublicMessage(err))
			}
		})
	}
}

func TestCodecCurrentUsesDefaultsToZero(t *testing.T) {
	c := newTestCodec(t)
	token := sealRaw(t, c, []byte(`{"v":1,"user_id":"u","expire_time":-1,"max_uses":2,"features":["x"],"extra":true}`))

	rec, err := c.Decode(token)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if rec.CurrentUses != 0 {
		t.Fatalf("expected current_uses 0, got %d", rec.CurrentUses)
	}
}

func TestCodecEncodeRejectsInvalidRecord(t *testing.T) {
	c := newTestCodec(t)
	if _, err := c.Encode(Record{ExpiresAt: NeverExpires, MaxUses: 1}); !errors.Is(err, ErrSchema) {
		t.Fatalf("expected ErrSchema for empty subject, got %v", err)
	}
}

func TestCodecPayloadCarriesVersion(t *testing.T) {
	data, err := marshalPayload(Record{SubjectID: "u1", ExpiresAt: NeverExpires, MaxUses: 1})
	if err != nil {
		t.Fatalf("marshalPayload: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if m["v"] != float64(PayloadVersion) {
		t.Fatalf("expected v=%d, got %v", PayloadVersion, m["v"])
	}
	for _, field := range []string{"user_id", "expire_time", "max_uses", "current_uses", "features"} {
		if _, ok := m[field]; !ok {
			t.Errorf("payload missing %q", field)
		}
	}
}

func TestNewCodecRejectsShortSecret(t *testing.T) {
	if _, err := NewCodec(make([]byte, 16)); !errors.Is(err, ErrInvalidSecret) {
		t.Fatalf("expected ErrInvalidSecret, got %v", err)
	}
}

func TestParseSecret(t *testing.T) {
	secret := bytes.Repeat([]byte{0xAB}, 32)

	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{name: "hex", input: hex.EncodeToString(secret)},
		{name: "std_base64", input: base64.StdEncoding.EncodeToString(secret)},
		{name: "url_base64_fernet_style", input: base64.URLEncoding.EncodeToString(secret)},
		{name: "raw_url_base64", input: base64.RawURLEncoding.EncodeToString(secret)},
		{name: "surrounding_whitespace", input: "  " + base64.StdEncoding.EncodeToString(secret) + "\n"},
		{name: "empty", input: "", wantErr: true},
		{name: "too_short", input: base64.StdEncoding.EncodeToString(secret[:16]), wantErr: true},
		{name: "garbage", input: "not a key at all!", wantErr: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSecret(tt.input)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidSecret) {
					t.Fatalf("expected ErrInvalidSecret, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseSecret: %v", err)
			}
			if !bytes.Equal(got, secret) {
				t.Fatalf("ParseSecret returned %x, want %x", got, secret)
			}
		})
	}
}

func TestSecretFingerprintDoesNotLeakSecret(t *testing.T) {
	fp := SecretFingerprint(testSecret)
	if !strings.HasPrefix(fp, "SHA256:") {
		t.Fatalf("unexpected fingerprint format %q", fp)
	}
	if strings.Contains(fp, base64.RawStdEncoding.EncodeToString(testSecret)) {
		t.Fatal("fingerprint contains the secret")
	}
}
