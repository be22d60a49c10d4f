package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/nknorg/d-chat/internal/identity"
	"github.com/nknorg/d-chat/internal/profile"
)

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Parse()

	profileName := profile.Resolve(*profileFlag)
	if err := profile.ValidateName(profileName); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	switch args[0] {
	case "whoami":
		cmdWhoami(profileName, *jsonFlag)
	case "qr":
		fs := flag.NewFlagSet("qr", flag.ExitOnError)
		out := fs.String("out", "address.png", "output PNG path")
		size := fs.Int("size", 256, "image size in pixels")
		_ = fs.Parse(args[1:])
		cmdQR(profileName, *out, *size)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: dchatctl [--profile <name>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  whoami                     Show this profile's address")
	fmt.Fprintln(os.Stderr, "  qr [--out f] [--size n]    Write the address as a QR PNG")
}

func loadWallet(profileName string) *identity.Wallet {
	seed, err := profile.LoadOrCreateSeed(profileName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	w, err := identity.FromSeed(seed)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	return w
}

func cmdWhoami(profileName string, jsonOut bool) {
	w := loadWallet(profileName)
	if jsonOut {
		data, _ := json.MarshalIndent(map[string]string{
			"profile": profileName,
			"address": w.Address(),
		}, "", "  ")
		fmt.Println(string(data))
		return
	}
	fmt.Printf("Profile: %s\n", profileName)
	fmt.Printf("Address: %s\n", w.Address())
}

func cmdQR(profileName, out string, size int) {
	w := loadWallet(profileName)
	png, err := identity.ShareQR(w.Address(), size)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if err := os.WriteFile(out, png, 0644); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("QR for %s written to %s\n", w.Address(), out)
}
