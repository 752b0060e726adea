package security

import (
	"bytes"
	"testing"

	"github.com/blaisethom/pdfshrink/ir/raw"
)

// buildRC4Dict assembles a V1/R2 Encrypt dictionary whose user entry
// matches the empty user password.
func buildRC4Dict(t *testing.T, fileID []byte) (raw.Dictionary, raw.Dictionary) {
	t.Helper()
	owner := []byte("ownerpass-entry-bytes-for-testing")
	pVal := int32(-4)
	key, err := deriveKey([]byte(""), owner, pVal, fileID, 5, 2)
	if err != nil {
		t.Fatalf("deriveKey: %v", err)
	}
	user := mustRC4(key, passwordPadding)

	enc := raw.Dict()
	enc.Set("Filter", raw.Name("Standard"))
	enc.Set("V", raw.Int(1))
	enc.Set("R", raw.Int(2))
	enc.Set("Length", raw.Int(40))
	enc.Set("O", raw.Str(owner))
	enc.Set("U", raw.Str(user))
	enc.Set("P", raw.Int(int64(pVal)))

	trailer := raw.Dict()
	ids := raw.NewArray()
	ids.Append(raw.Str(fileID))
	ids.Append(raw.Str(fileID))
	trailer.Set("ID", ids)
	return enc, trailer
}

func TestStandardRC4EmptyPassword(t *testing.T) {
	fileID := []byte("fileid0")
	enc, trailer := buildRC4Dict(t, fileID)
	h, err := NewHandler(enc, trailer)
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}
	if !h.IsEncrypted() {
		t.Fatal("IsEncrypted = false")
	}
	if err := h.Authenticate(""); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}

	// RC4 is symmetric, so decrypting a decrypted payload restores it.
	plain := []byte("secret stream data")
	ct, err := h.Decrypt(5, 0, plain, DataClassStream)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	back, err := h.Decrypt(5, 0, ct, DataClassStream)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if !bytes.Equal(back, plain) {
		t.Errorf("round trip mismatch: %q", back)
	}
	if bytes.Equal(ct, plain) {
		t.Error("decrypt was a no-op")
	}
}

func TestStandardRC4WrongPassword(t *testing.T) {
	enc, trailer := buildRC4Dict(t, []byte("fileid0"))
	h, err := NewHandler(enc, trailer)
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}
	if err := h.Authenticate("not the password"); err == nil {
		t.Error("expected authentication failure")
	}
}

func TestObjectKeyVariesPerObject(t *testing.T) {
	fileKey := []byte{1, 2, 3, 4, 5}
	a := objectKey(fileKey, 5, 0, 2, false)
	b := objectKey(fileKey, 6, 0, 2, false)
	if bytes.Equal(a, b) {
		t.Error("object keys for different objects must differ")
	}
	if len(a) != 10 {
		t.Errorf("key length = %d, want 10", len(a))
	}
}

func TestObjectKeyRev5UsesFileKey(t *testing.T) {
	fileKey := make([]byte, 32)
	if got := objectKey(fileKey, 5, 0, 5, true); !bytes.Equal(got, fileKey) {
		t.Error("revision 5 must use the file key unchanged")
	}
}

func TestAESDecryptRejectsShortData(t *testing.T) {
	if _, err := aesDecrypt(make([]byte, 16), []byte{1, 2, 3}); err == nil {
		t.Error("expected error for short ciphertext")
	}
}

func TestRev6HashDeterministic(t *testing.T) {
	a := rev6Hash([]byte("pw"), []byte("saltsalt"), nil)
	b := rev6Hash([]byte("pw"), []byte("saltsalt"), nil)
	if !bytes.Equal(a, b) {
		t.Error("rev6Hash must be deterministic")
	}
	if len(a) < 32 {
		t.Errorf("hash length = %d", len(a))
	}
	c := rev6Hash([]byte("other"), []byte("saltsalt"), nil)
	if bytes.Equal(a, c) {
		t.Error("different passwords must hash differently")
	}
}

func TestIdentityCryptFilter(t *testing.T) {
	enc, trailer := buildRC4Dict(t, []byte("fileid0"))
	h, err := NewHandler(enc, trailer)
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}
	plain := []byte("untouched")
	out, err := h.DecryptWithFilter(5, 0, plain, DataClassStream, "Identity")
	if err != nil {
		t.Fatalf("DecryptWithFilter: %v", err)
	}
	if !bytes.Equal(out, plain) {
		t.Error("Identity filter must pass data through")
	}
}

func TestNoopHandler(t *testing.T) {
	h := NoopHandler()
	if h.IsEncrypted() {
		t.Error("IsEncrypted = true")
	}
	out, err := h.Decrypt(1, 0, []byte("abc"), DataClassString)
	if err != nil || string(out) != "abc" {
		t.Errorf("Decrypt = %q, %v", out, err)
	}
}
