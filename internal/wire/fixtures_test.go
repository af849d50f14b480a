package wire

import "math/big"

func bigIntFixture() *big.Int {
	n := new(big.Int)
	n.SetString("123456789012345678901234567890", 10)
	return n
}
