// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package transport

import "errors"

// AnonymousMechanism implements the ANONYMOUS mechanism: any peer is
// accepted, no credential check is performed. The initial response, if
// present, is an arbitrary trace string (e.g. an email address) with no
// security meaning; it is accepted but otherwise ignored.
type AnonymousMechanism struct {
	// Trace is sent as the client's initial response. Optional.
	Trace string
}

func (AnonymousMechanism) Name() string { return "ANONYMOUS" }

func (m AnonymousMechanism) ClientStart(Credentials) ([]byte, error) {
	return []byte(m.Trace), nil
}

func (AnonymousMechanism) ClientContinue([]byte, Credentials) ([]byte, bool, error) {
	return nil, false, errors.New("transport: ANONYMOUS does not expect a challenge")
}

func (AnonymousMechanism) ServerStart([]byte, Credentials) ([]byte, bool, error) {
	return nil, true, nil
}

func (AnonymousMechanism) ServerContinue([]byte, Credentials) ([]byte, bool, error) {
	return nil, false, errors.New("transport: ANONYMOUS does not expect continuation")
}

func (AnonymousMechanism) Cipher() Cipher { return nil }
