package handlers

import (
	"github.com/servoxhq/servox/internal/auth"
	"github.com/servoxhq/servox/internal/payments"
	"github.com/servoxhq/servox/internal/provider"
	"github.com/servoxhq/servox/internal/sshmetrics"
	"github.com/servoxhq/servox/internal/sshpool"
	"github.com/servoxhq/servox/internal/sshterminal"
)

// Shared services, wired from main.go before the router starts.
var (
	Sessions  *auth.SessionStore
	Pool      *sshpool.Pool
	Collector *sshmetrics.Collector
	Terminal  *sshterminal.Service
	Tokens    *sshterminal.TokenManager
	Provider  *provider.Client
	Gateway   *payments.Client
)
