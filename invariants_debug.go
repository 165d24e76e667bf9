//go:build mptcpdebug

package mptcp

const failFast = true
