package vault

import (
	"encoding/hex"
	"strings"
)

// DecodeIlk 将 bytes32 十六进制解码为 ilk 名称，去掉 0x 前缀与末尾填充的 NUL
func DecodeIlk(raw string) string {
	raw = strings.TrimPrefix(strings.TrimPrefix(raw, "0x"), "0X")
	if len(raw)%2 == 1 {
		raw = raw[:len(raw)-1]
	}
	b, err := hex.DecodeString(raw)
	if err != nil {
		return ""
	}
	return strings.ReplaceAll(string(b), "\x00", "")
}

// EncodeIlk 将 ilk 名称编码为右侧补零的 bytes32
func EncodeIlk(name string) [32]byte {
	var out [32]byte
	copy(out[:], name)
	return out
}
