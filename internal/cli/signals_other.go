//go:build !unix

package cli

import "github.com/kiranshivaraju/listingintel/pkg/client/keepalive"

func watchVisibility(*keepalive.KeepAlive) func() { return func() {} }
