package transport

import (
	"encoding/base64"
	"fmt"

	"github.com/nat-tunnel/tunnel/internal/config"
	"github.com/nat-tunnel/tunnel/internal/noise"
)

// Build constructs the Transport a TransportConfig describes. serverSide
// selects which half of an asymmetric variant's options (Noise's static
// keypair, Tls's certificate vs. trust root) is required.
func Build(cfg config.TransportConfig, serverSide bool) (Transport, error) {
	tcp := DefaultTCPOptions()

	switch cfg.Type {
	case config.TransportTCP, "":
		return NewTCPTransport(tcp), nil

	case config.TransportTLS:
		client := TLSClientOptions{TrustedRoot: cfg.TrustedRoot, Hostname: cfg.Hostname}
		server := TLSServerOptions{
			PKCS12Path:     cfg.PKCS12,
			PKCS12Password: cfg.PKCS12Password,
			CertFile:       cfg.CertFile,
			KeyFile:        cfg.KeyFile,
		}
		return NewTLSTransport(tcp, client, server), nil

	case config.TransportNoise:
		opts := NoiseOptions{}
		if serverSide {
			kp, err := decodeNoiseKeypair(cfg.LocalPrivateKey)
			if err != nil {
				return nil, fmt.Errorf("noise transport: %w", err)
			}
			opts.LocalStatic = kp
		}
		if cfg.RemotePublicKey != "" {
			pub, err := decodeNoiseKey(cfg.RemotePublicKey)
			if err != nil {
				return nil, fmt.Errorf("noise transport: remote_public_key: %w", err)
			}
			opts.RemoteStatic = pub
		}
		return NewNoiseTransport(tcp, opts), nil

	case config.TransportWebSocket:
		wsOpts := WebSocketOptions{Path: cfg.Path}
		if wsOpts.Path == "" {
			wsOpts.Path = wsDefaultPath
		}
		if cfg.TLS != nil {
			if serverSide {
				serverCfg, err := loadServerTLSConfig(TLSServerOptions{
					PKCS12Path:     cfg.TLS.PKCS12,
					PKCS12Password: cfg.TLS.PKCS12Password,
					CertFile:       cfg.TLS.CertFile,
					KeyFile:        cfg.TLS.KeyFile,
				})
				if err != nil {
					return nil, fmt.Errorf("websocket transport: %w", err)
				}
				wsOpts.TLSConfig = serverCfg
			} else {
				clientCfg, err := loadClientTLSConfig(TLSClientOptions{
					TrustedRoot: cfg.TLS.TrustedRoot,
					Hostname:    cfg.TLS.Hostname,
				})
				if err != nil {
					return nil, fmt.Errorf("websocket transport: %w", err)
				}
				wsOpts.ClientTLSConfig = clientCfg
			}
		}
		return NewWebSocketTransport(wsOpts), nil

	default:
		return nil, fmt.Errorf("unknown transport type %q", cfg.Type)
	}
}

func decodeNoiseKeypair(privB64 string) (noise.Keypair, error) {
	priv, err := decodeNoiseKey(privB64)
	if err != nil {
		return noise.Keypair{}, err
	}
	return noise.Keypair{Private: priv, Public: noise.PublicFromPrivate(priv)}, nil
}

func decodeNoiseKey(b64 string) ([noise.KeySize]byte, error) {
	var out [noise.KeySize]byte
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return out, fmt.Errorf("invalid base64 key: %w", err)
	}
	if len(raw) != noise.KeySize {
		return out, fmt.Errorf("key must be %d bytes, got %d", noise.KeySize, len(raw))
	}
	copy(out[:], raw)
	return out, nil
}
