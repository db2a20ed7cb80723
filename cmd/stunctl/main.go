package main

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/bridgefall/stun/session/profilecbor"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	switch os.Args[1] {
	case "keygen":
		runKeygen(os.Args[2:])
	case "show-profile":
		runShowProfile(os.Args[2:])
	case "-h", "--help", "help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage: stunctl <command> [options]")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  keygen       Generate a shared secret for stund/stun config files")
	fmt.Fprintln(os.Stderr, "  show-profile Print the default (or an overridden) session profile")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Examples:")
	fmt.Fprintln(os.Stderr, "  stunctl keygen")
	fmt.Fprintln(os.Stderr, "  stunctl show-profile -padding-to 512 -base64")
}

func runKeygen(args []string) {
	fs := flag.NewFlagSet("keygen", flag.ExitOnError)
	length := fs.Int("length", 32, "secret length in bytes")
	_ = fs.Parse(args)

	secret := make([]byte, *length)
	if _, err := rand.Read(secret); err != nil {
		fatalf("keygen failed: %v", err)
	}
	fmt.Printf("secret=%s\n", base64.StdEncoding.EncodeToString(secret))
}

func runShowProfile(args []string) {
	fs := flag.NewFlagSet("show-profile", flag.ExitOnError)
	paddingTo := fs.Int("padding-to", 0, "control channel padding target")
	rateLimitPPS := fs.Int("rate-limit-pps", 0, "override the default rate limit (packets/sec)")
	rateLimitBurst := fs.Int("rate-limit-burst", 0, "override the default rate limit burst")
	base64Mode := fs.Bool("base64", false, "print the CBOR encoding, base64-wrapped, instead of JSON")
	_ = fs.Parse(args)

	profile := profilecbor.Default()
	if *paddingTo > 0 {
		profile.PaddingTo = *paddingTo
	}
	if *rateLimitPPS > 0 {
		profile.RateLimitPPS = *rateLimitPPS
	}
	if *rateLimitBurst > 0 {
		profile.RateLimitBurst = *rateLimitBurst
	}

	if *base64Mode {
		encoded, err := profilecbor.Encode(profile)
		if err != nil {
			fatalf("show-profile encode: %v", err)
		}
		fmt.Println(base64.StdEncoding.EncodeToString(encoded))
		return
	}

	out, err := json.MarshalIndent(profile, "", "  ")
	if err != nil {
		fatalf("show-profile marshal: %v", err)
	}
	fmt.Println(string(out))
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
