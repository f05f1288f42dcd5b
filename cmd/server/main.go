package main

import (
	"github.com/dwarvesf/escrow-settlement/internal/server"
)

// @title Escrow Settlement API
// @version 1.0
// @description Drives fiat payments through on-chain escrow, bridge transfer and fiat payout.
// @BasePath /api/v1
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
func main() {
	server.Init()
}
