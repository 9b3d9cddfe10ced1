package message

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/mail"
	"net/textproto"

	"github.com/oonrumail/smtpd/smtp"
)

// ParseHeaderFrom parses the address in the From header of a message,
// for evaluating the DMARC policy of its domain. Messages with zero or
// multiple From addresses return an error, a policy cannot be evaluated for
// them.
func ParseHeaderFrom(headers []byte) (smtp.Address, error) {
	tr := textproto.NewReader(bufio.NewReader(bytes.NewReader(headers)))
	hdr, err := tr.ReadMIMEHeader()
	if err != nil && err != io.EOF {
		return smtp.Address{}, fmt.Errorf("parsing headers: %v", err)
	}
	v := hdr.Get("From")
	if v == "" {
		return smtp.Address{}, fmt.Errorf("no From header")
	}
	l, err := mail.ParseAddressList(v)
	if err != nil {
		return smtp.Address{}, fmt.Errorf("parsing From header: %v", err)
	}
	if len(l) != 1 {
		return smtp.Address{}, fmt.Errorf("From header has %d addresses, need 1", len(l))
	}
	addr, err := smtp.ParseAddress(l[0].Address)
	if err != nil {
		return smtp.Address{}, fmt.Errorf("parsing From address %q: %v", l[0].Address, err)
	}
	return addr, nil
}
