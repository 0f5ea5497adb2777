package ledger

import "strings"

var (
	marketPrefix       = []byte("credit/market/")
	marketIndexKey     = []byte("credit/market/index")
	balancePrefix      = []byte("credit/balance/")
	balanceIndexPrefix = []byte("credit/balance-index/")
	positionPrefix     = []byte("credit/position/")
	posIndexPrefix     = []byte("credit/position-index/")
	feePrefix          = []byte("credit/fees/")
)

// validIdent rejects identifiers that would break composite keys apart: a
// slash inside a user or market ID makes balanceKey("a/b", "c") collide with
// balanceKey("a", "b/c").
func validIdent(s string) bool {
	return s != "" && !strings.Contains(s, "/")
}

func joinKey(prefix []byte, parts ...string) []byte {
	size := len(prefix)
	for _, p := range parts {
		size += len(p) + 1
	}
	buf := make([]byte, 0, size)
	buf = append(buf, prefix...)
	for i, p := range parts {
		if i > 0 {
			buf = append(buf, '/')
		}
		buf = append(buf, strings.TrimSpace(p)...)
	}
	return buf
}

func marketKey(id string) []byte { return joinKey(marketPrefix, id) }

func balanceKey(user, marketID string) []byte { return joinKey(balancePrefix, user, marketID) }

func balanceIndexKey(user string) []byte { return joinKey(balanceIndexPrefix, user) }

func positionKey(user, marketID string) []byte { return joinKey(positionPrefix, user, marketID) }

func positionIndexKey(user string) []byte { return joinKey(posIndexPrefix, user) }

func feeKey(marketID string) []byte { return joinKey(feePrefix, marketID) }
