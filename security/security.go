// Package security implements the standard security handler for
// revisions 2 through 6, on the decrypt side only: output documents
// are always written without encryption.
package security

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/md5"
	"crypto/rc4"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/blaisethom/pdfshrink/ir/raw"
)

// DataClass identifies the kind of payload being decrypted.
type DataClass int

const (
	DataClassStream DataClass = iota
	DataClassString
	DataClassMetadataStream
)

type Handler interface {
	IsEncrypted() bool
	Authenticate(password string) error
	Decrypt(objNum, gen int, data []byte, class DataClass) ([]byte, error)
	DecryptWithFilter(objNum, gen int, data []byte, class DataClass, cryptFilter string) ([]byte, error)
	EncryptMetadata() bool
}

// NewHandler builds a handler from the Encrypt dictionary and the
// trailer. A nil encrypt dictionary yields a pass-through handler.
func NewHandler(encryptDict, trailer raw.Dictionary) (Handler, error) {
	if encryptDict == nil {
		return noEncryptionHandler{}, nil
	}
	if name, ok := raw.DictName(encryptDict, "Filter"); ok && name != "Standard" {
		return nil, fmt.Errorf("unsupported security filter %s", name)
	}
	v := int64(1)
	if n, ok := raw.DictInt(encryptDict, "V"); ok && n > 0 {
		v = n
	}
	r := int64(2)
	if n, ok := raw.DictInt(encryptDict, "R"); ok {
		r = n
	}
	if v > 6 || r > 6 {
		return nil, fmt.Errorf("encryption revision V=%d R=%d not supported", v, r)
	}
	keyLen := 40
	if v >= 5 {
		keyLen = 256
	}
	if n, ok := raw.DictInt(encryptDict, "Length"); ok && n > 0 {
		keyLen = int(n)
	}
	if v >= 4 && keyLen < 128 {
		keyLen = 128
	}
	if keyLen%8 != 0 {
		return nil, errors.New("encryption key length must be a multiple of 8")
	}

	h := &standardHandler{
		v:          int(v),
		r:          int(r),
		lengthBits: keyLen,
	}
	h.oEntry, _ = raw.DictString(encryptDict, "O")
	h.uEntry, _ = raw.DictString(encryptDict, "U")
	h.oe, _ = raw.DictString(encryptDict, "OE")
	h.ue, _ = raw.DictString(encryptDict, "UE")
	if p, ok := raw.DictInt(encryptDict, "P"); ok {
		h.p = int32(p)
	}
	h.perms, _ = raw.DictString(encryptDict, "Perms")
	h.encryptMeta = true
	if b, ok := raw.DictBool(encryptDict, "EncryptMetadata"); ok {
		h.encryptMeta = b
	}
	h.fileID = firstFileID(trailer)

	base := algoRC4
	if v >= 4 {
		base = algoAES
	}
	filters, err := parseCryptFilters(encryptDict, base)
	if err != nil {
		return nil, err
	}
	h.cryptFilters = filters
	if h.streamAlgo, err = resolveCryptFilter(encryptDict, "StmF", base, filters); err != nil {
		return nil, err
	}
	if h.stringAlgo, err = resolveCryptFilter(encryptDict, "StrF", base, filters); err != nil {
		return nil, err
	}
	return h, nil
}

func firstFileID(trailer raw.Dictionary) []byte {
	if trailer == nil {
		return nil
	}
	obj, ok := trailer.Get("ID")
	if !ok {
		return nil
	}
	arr, ok := obj.(*raw.ArrayObj)
	if !ok || arr.Len() == 0 {
		return nil
	}
	item, ok := arr.Get(0)
	if !ok {
		return nil
	}
	if s, ok := item.(raw.StringObj); ok {
		return s.Bytes
	}
	return nil
}

type cryptAlgo int

const (
	algoNone cryptAlgo = iota
	algoRC4
	algoAES
)

type standardHandler struct {
	key          []byte
	v            int
	r            int
	lengthBits   int
	oEntry       []byte
	uEntry       []byte
	oe           []byte
	ue           []byte
	perms        []byte
	p            int32
	fileID       []byte
	encryptMeta  bool
	authed       bool
	streamAlgo   cryptAlgo
	stringAlgo   cryptAlgo
	cryptFilters map[string]cryptAlgo
}

func (h *standardHandler) IsEncrypted() bool     { return true }
func (h *standardHandler) EncryptMetadata() bool { return h.encryptMeta }

func (h *standardHandler) Authenticate(password string) error {
	if h.r >= 5 {
		return h.authenticateAES256([]byte(password))
	}
	key, err := deriveKey([]byte(password), h.oEntry, h.p, h.fileID, h.lengthBits/8, h.r)
	if err != nil {
		return err
	}
	if !checkUserPassword(key, h.uEntry, h.fileID, h.r) {
		return errors.New("invalid password")
	}
	h.key = key
	h.authed = true
	return nil
}

func (h *standardHandler) Decrypt(objNum, gen int, data []byte, class DataClass) ([]byte, error) {
	return h.DecryptWithFilter(objNum, gen, data, class, "")
}

func (h *standardHandler) DecryptWithFilter(objNum, gen int, data []byte, class DataClass, cryptFilter string) ([]byte, error) {
	if !h.authed {
		if err := h.Authenticate(""); err != nil {
			return nil, err
		}
	}
	if class == DataClassMetadataStream && !h.encryptMeta {
		return data, nil
	}
	algo, err := h.algoFor(class, cryptFilter)
	if err != nil {
		return nil, err
	}
	if algo == algoNone || len(data) == 0 {
		return data, nil
	}
	key := objectKey(h.key, objNum, gen, h.r, algo == algoAES)
	if algo == algoAES {
		return aesDecrypt(key, data)
	}
	return rc4Crypt(key, data)
}

func (h *standardHandler) algoFor(class DataClass, filter string) (cryptAlgo, error) {
	switch filter {
	case "Identity":
		return algoNone, nil
	case "", "Standard":
		if class == DataClassString {
			return h.stringAlgo, nil
		}
		return h.streamAlgo, nil
	}
	if algo, ok := h.cryptFilters[filter]; ok {
		return algo, nil
	}
	return algoNone, fmt.Errorf("crypt filter %s not defined", filter)
}

func (h *standardHandler) authenticateAES256(pwd []byte) error {
	if len(h.uEntry) >= 48 && len(h.ue) >= 32 {
		if key, ok := deriveAES256User(pwd, h.uEntry, h.ue, h.fileID); ok {
			h.key = key
			h.authed = true
			return nil
		}
	}
	if len(h.oEntry) >= 48 && len(h.oe) >= 32 && len(h.uEntry) >= 48 {
		if key, ok := deriveAES256Owner(pwd, h.oEntry, h.oe, h.uEntry); ok {
			h.key = key
			h.authed = true
			return nil
		}
	}
	return errors.New("invalid password")
}

type noEncryptionHandler struct{}

func (noEncryptionHandler) IsEncrypted() bool            { return false }
func (noEncryptionHandler) Authenticate(_ string) error  { return nil }
func (noEncryptionHandler) EncryptMetadata() bool        { return false }
func (noEncryptionHandler) Decrypt(_, _ int, data []byte, _ DataClass) ([]byte, error) {
	return data, nil
}
func (noEncryptionHandler) DecryptWithFilter(_, _ int, data []byte, _ DataClass, _ string) ([]byte, error) {
	return data, nil
}

// NoopHandler returns a pass-through handler.
func NoopHandler() Handler { return noEncryptionHandler{} }

var passwordPadding = []byte{
	0x28, 0xBF, 0x4E, 0x5E, 0x4E, 0x75, 0x8A, 0x41,
	0x64, 0x00, 0x4E, 0x56, 0xFF, 0xFA, 0x01, 0x08,
	0x2E, 0x2E, 0x00, 0xB6, 0xD0, 0x68, 0x3E, 0x80,
	0x2F, 0x0C, 0xA9, 0xFE, 0x64, 0x53, 0x69, 0x7A,
}

func padPassword(pwd []byte) []byte {
	padded := make([]byte, 32)
	n := copy(padded, pwd)
	copy(padded[n:], passwordPadding)
	return padded
}

func deriveKey(pwd, owner []byte, pVal int32, fileID []byte, keyLenBytes, r int) ([]byte, error) {
	if keyLenBytes <= 0 {
		keyLenBytes = 5
	}
	if keyLenBytes > 16 {
		keyLenBytes = 16
	}
	data := make([]byte, 0, 32+len(owner)+4+len(fileID))
	data = append(data, padPassword(pwd)...)
	data = append(data, owner...)
	var pBuf [4]byte
	binary.LittleEndian.PutUint32(pBuf[:], uint32(pVal))
	data = append(data, pBuf[:]...)
	data = append(data, fileID...)

	sum := md5.Sum(data)
	key := sum[:]
	if r >= 3 {
		for i := 0; i < 50; i++ {
			sum = md5.Sum(key[:keyLenBytes])
			key = sum[:]
		}
	}
	return key[:keyLenBytes], nil
}

func checkUserPassword(key, userEntry, fileID []byte, r int) bool {
	if len(userEntry) < 16 {
		return false
	}
	if r <= 2 {
		expect := mustRC4(key, passwordPadding)
		return bytes.Equal(expect[:16], userEntry[:16])
	}
	h := md5.Sum(append(append([]byte{}, passwordPadding...), fileID...))
	val := h[:]
	for i := 0; i < 20; i++ {
		tmp := make([]byte, len(key))
		for j := range key {
			tmp[j] = key[j] ^ byte(i)
		}
		val = mustRC4(tmp, val)
	}
	return bytes.Equal(val[:16], userEntry[:16])
}

// rev6Hash is the iterative hash used by revision 5/6 authentication.
func rev6Hash(pwd, salt, extra []byte) []byte {
	if len(pwd) > 127 {
		pwd = pwd[:127]
	}
	data := append(append(append([]byte{}, pwd...), salt...), extra...)
	sum := sha256.Sum256(data)
	h := sum[:]
	for i := 0; i < 64; i++ {
		block := make([]byte, 0, 64)
		for len(block) < 64 {
			block = append(block, pwd...)
			block = append(block, h...)
			block = append(block, salt...)
			block = append(block, extra...)
		}
		block = block[:64]
		enc, err := aesCBCEncryptNoPad(h[:16], h[16:32], block)
		if err != nil {
			return h
		}
		switch enc[len(enc)-1] % 3 {
		case 0:
			s := sha256.Sum256(enc)
			h = s[:]
		case 1:
			s := sha512.Sum384(enc)
			h = s[:]
		default:
			s := sha512.Sum512(enc)
			h = s[:]
		}
	}
	return h
}

func deriveAES256User(pwd, uEntry, ue, fileID []byte) ([]byte, bool) {
	validationSalt := uEntry[32:40]
	keySalt := uEntry[40:48]
	if !bytes.Equal(rev6Hash(pwd, validationSalt, fileID)[:32], uEntry[:32]) {
		return nil, false
	}
	keyHash := rev6Hash(pwd, keySalt, fileID)
	fileKey, err := aesCBCDecryptNoPad(keyHash[:32], make([]byte, aes.BlockSize), ue[:32])
	if err != nil {
		return nil, false
	}
	return fileKey, true
}

func deriveAES256Owner(pwd, oEntry, oe, uEntry []byte) ([]byte, bool) {
	validationSalt := oEntry[32:40]
	keySalt := oEntry[40:48]
	if !bytes.Equal(rev6Hash(pwd, validationSalt, uEntry[:48])[:32], oEntry[:32]) {
		return nil, false
	}
	keyHash := rev6Hash(pwd, keySalt, uEntry[:48])
	fileKey, err := aesCBCDecryptNoPad(keyHash[:32], make([]byte, aes.BlockSize), oe[:32])
	if err != nil {
		return nil, false
	}
	return fileKey, true
}

func parseCryptFilters(dict raw.Dictionary, base cryptAlgo) (map[string]cryptAlgo, error) {
	out := make(map[string]cryptAlgo)
	cfObj, ok := dict.Get("CF")
	if !ok {
		return out, nil
	}
	cfDict, ok := cfObj.(*raw.DictObj)
	if !ok {
		return nil, errors.New("CF must be a dictionary")
	}
	for _, name := range cfDict.Keys() {
		entryObj, _ := cfDict.Get(name)
		entry, ok := entryObj.(*raw.DictObj)
		if !ok {
			return nil, errors.New("crypt filter entry must be a dictionary")
		}
		algo := base
		if cfm, ok := raw.DictName(entry, "CFM"); ok {
			switch cfm {
			case "V2":
				algo = algoRC4
			case "AESV2", "AESV3":
				algo = algoAES
			case "None":
				algo = algoNone
			default:
				return nil, fmt.Errorf("unsupported crypt filter method %s", cfm)
			}
		}
		out[name] = algo
	}
	return out, nil
}

func resolveCryptFilter(dict raw.Dictionary, key string, base cryptAlgo, filters map[string]cryptAlgo) (cryptAlgo, error) {
	name, _ := raw.DictName(dict, key)
	switch name {
	case "", "Standard":
		if algo, ok := filters["Standard"]; ok {
			return algo, nil
		}
		return base, nil
	case "Identity":
		return algoNone, nil
	}
	if algo, ok := filters[name]; ok {
		return algo, nil
	}
	return algoNone, fmt.Errorf("crypt filter %s not defined", key)
}

// objectKey derives the per-object key. Revision 5+ uses the file key
// directly.
func objectKey(fileKey []byte, objNum, gen, r int, useAES bool) []byte {
	if r >= 5 {
		return fileKey
	}
	key := append([]byte{}, fileKey...)
	key = append(key,
		byte(objNum), byte(objNum>>8), byte(objNum>>16),
		byte(gen), byte(gen>>8))
	if useAES {
		key = append(key, 0x73, 0x41, 0x6C, 0x54) // "sAlT"
	}
	hash := md5.Sum(key)
	n := len(fileKey) + 5
	if n > 16 {
		n = 16
	}
	return hash[:n]
}

func mustRC4(key, data []byte) []byte {
	out, _ := rc4Crypt(key, data)
	return out
}

func rc4Crypt(key, data []byte) ([]byte, error) {
	c, err := rc4.NewCipher(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(data))
	c.XORKeyStream(out, data)
	return out, nil
}

// aesDecrypt handles the CBC layout used for object payloads: a
// leading IV followed by padded ciphertext.
func aesDecrypt(key, data []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	if len(data) < aes.BlockSize {
		return nil, errors.New("aes ciphertext too short")
	}
	iv := data[:aes.BlockSize]
	ct := data[aes.BlockSize:]
	if len(ct)%aes.BlockSize != 0 {
		return nil, errors.New("aes ciphertext not a blocksize multiple")
	}
	out := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, ct)
	if len(out) == 0 {
		return out, nil
	}
	pad := int(out[len(out)-1])
	if pad <= 0 || pad > aes.BlockSize || pad > len(out) {
		return nil, errors.New("invalid aes padding")
	}
	return out[:len(out)-pad], nil
}

func aesCBCEncryptNoPad(key, iv, data []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	if len(data)%aes.BlockSize != 0 {
		return nil, errors.New("aes data not a blocksize multiple")
	}
	out := make([]byte, len(data))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, data)
	return out, nil
}

func aesCBCDecryptNoPad(key, iv, data []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	if len(data)%aes.BlockSize != 0 {
		return nil, errors.New("aes data not a blocksize multiple")
	}
	out := make([]byte, len(data))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, data)
	return out, nil
}
