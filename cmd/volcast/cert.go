package main

import (
	"fmt"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/zsiec/volcast/internal/certs"
)

var certFlags = []cli.Flag{
	&cli.StringFlag{Name: "cert-file", Value: "volcast.crt", Usage: "output certificate path"},
	&cli.StringFlag{Name: "key-file", Value: "volcast.key", Usage: "output private key path"},
	&cli.StringSliceFlag{Name: "host", Usage: "extra DNS name or IP to cover, use flag multiple times"},
	&cli.DurationFlag{Name: "validity", Value: certs.DefaultValidity, Usage: "certificate lifetime"},
}

func generateCert(c *cli.Context) error {
	cert, err := certs.Generate(c.Duration("validity"), c.StringSlice("host")...)
	if err != nil {
		return err
	}
	if err := cert.WritePEM(c.String("cert-file"), c.String("key-file")); err != nil {
		return err
	}
	fmt.Println("Certificate: ", c.String("cert-file"))
	fmt.Println("Private key: ", c.String("key-file"))
	fmt.Println("Fingerprint: ", cert.FingerprintBase64())
	fmt.Println("Expires:     ", cert.NotAfter.Format(time.RFC3339))
	return nil
}
