package provision

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"strings"
	"time"
)

var ErrPublicIPLookup = fmt.Errorf("failed to resolve public IP address")

// publicIPProvider echoes the caller's address as plain text.
const publicIPProvider = "https://checkip.amazonaws.com"

// publicAddr returns the public IP address of the calling system.
//
// The database security group admits this address so the deploying host can
// initialize the schema without opening the database to everyone.
func publicAddr(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, publicIPProvider, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrPublicIPLookup, err)
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrPublicIPLookup, err)
	}
	defer func() {
		_ = res.Body.Close()
	}()
	if res.StatusCode >= http.StatusBadRequest {
		return "", fmt.Errorf("%w: received HTTP status code %d", ErrPublicIPLookup, res.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(res.Body, 256))
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrPublicIPLookup, err)
	}
	return strings.TrimSpace(string(data)), nil
}

var ErrAddressInvalid = fmt.Errorf("failed to parse provided IP address")

// singleAddrCIDR turns an address into the CIDR that admits only it.
func singleAddrCIDR(addr string) (string, error) {
	ip, err := netip.ParseAddr(addr)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrAddressInvalid, addr)
	}
	ip = ip.Unmap()
	return netip.PrefixFrom(ip, ip.BitLen()).String(), nil
}
