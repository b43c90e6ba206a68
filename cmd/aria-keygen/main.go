// aria-keygen prints fresh link key material in the base64url form the
// node configuration expects. Run it once per node and exchange the public
// halves out of band.
package main

import (
	"encoding/base64"
	"fmt"
	"os"

	"github.com/AllanDBB/ARIA/pkg/cryptobox"
)

func main() {
	signPub, signPriv, err := cryptobox.NewSigningKeypair()
	if err != nil {
		fatal(err)
	}
	kxPub, kxPriv, err := cryptobox.NewKXKeypair()
	if err != nil {
		fatal(err)
	}

	enc := base64.RawURLEncoding.EncodeToString
	fmt.Println("# local secrets (crypto section)")
	fmt.Printf("signing_key: %s\n", enc(signPriv))
	fmt.Printf("kx_private_key: %s\n", enc(kxPriv))
	fmt.Println("# share with the peer (their peer_verify_key / peer_kx_public)")
	fmt.Printf("verify_key: %s\n", enc(signPub))
	fmt.Printf("kx_public: %s\n", enc(kxPub))
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "aria-keygen:", err)
	os.Exit(1)
}
