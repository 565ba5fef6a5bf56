package crypto

import (
	"bytes"
	"testing"
)

func TestSHA256(t *testing.T) {
	got := SHA256([]byte("abc"))
	want := mustHex(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad")
	if !bytes.Equal(got[:], want) {
		t.Errorf("SHA256(abc) = %x, want %x", got, want)
	}
}

func TestHMACSHA256(t *testing.T) {
	tests := []struct {
		name string
		key  string
		data string
		want string
	}{
		{"RFC4231_TC1", "0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b", "4869205468657265",
			"b0344c61d8db38535ca8afceaf0bf12b881dc200c9833da726e9376c2e32cff7"},
		{"RFC4231_TC2", "4a656665", "7768617420646f2079612077616e7420666f72206e6f7468696e673f",
			"5bdcc146bf60754e6a042426089575c75a003f089d2739839dec58b964ec3843"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := HMACSHA256(mustHex(t, tc.key), mustHex(t, tc.data))
			want := mustHex(t, tc.want)
			if !HMACEqual(got, want) {
				t.Errorf("HMACSHA256() = %x, want %x", got, want)
			}
		})
	}
}

func TestWipe(t *testing.T) {
	a := []byte{1, 2, 3}
	b := []byte{4, 5}
	WipeAll(a, b, nil)
	if !IsZero(a) || !IsZero(b) {
		t.Errorf("WipeAll() left %x %x", a, b)
	}
	if IsZero([]byte{0, 0, 1}) {
		t.Error("IsZero() = true for non-zero buffer")
	}
}
