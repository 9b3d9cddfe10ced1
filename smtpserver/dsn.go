package smtpserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/oonrumail/smtpd/dns"
	"github.com/oonrumail/smtpd/dsn"
	"github.com/oonrumail/smtpd/mailio"
	"github.com/oonrumail/smtpd/mlog"
	"github.com/oonrumail/smtpd/queue"
	"github.com/oonrumail/smtpd/smtp"
)

// QueueDSN composes a delivery status notification for a failed or delayed
// queue message and adds it to the queue, addressed to the original envelope
// sender with a null reverse path.
//
// The SMTP code and message from the remote (or from our own delivery
// process) determine the enhanced status code and whether the failure is
// permanent. Messages that were themselves sent with a null reverse path
// never get a DSN, that would cause mail loops.
func (s *Server) QueueDSN(ctx context.Context, log mlog.Log, m queue.Msg, smtpCode int, smtpMsg string, remoteMTA dsn.NameIP) error {
	sender := m.Sender()
	if sender.IsZero() {
		log.Debug("not sending dsn for message with null reverse path", slog.String("queuemsg", m.ID))
		return nil
	}

	status, bounceType := dsn.ClassifyStatus(smtpCode, smtpMsg)
	permanent := status.IsPermanent()

	action := dsn.Failed
	subject := dsn.SubjectFailed
	if !permanent {
		action = dsn.Delayed
		subject = dsn.SubjectDelayed
	}

	dsnLocalpart := s.config.DSN.Localpart
	if dsnLocalpart == "" {
		dsnLocalpart = "MAILER-DAEMON"
	}

	var textBody string
	if permanent {
		textBody = fmt.Sprintf("Delivery of your message to the following addresses failed permanently:\n\n\t%s\n\nError during the last delivery attempt:\n\n\t%s\n", strings.Join(m.Recipients, "\n\t"), smtpMsg)
	} else {
		textBody = fmt.Sprintf("Delivery of your message to the following addresses is delayed:\n\n\t%s\n\nWe will keep trying. You do not have to resend the message.\n\nError during the last delivery attempt:\n\n\t%s\n", strings.Join(m.Recipients, "\n\t"), smtpMsg)
	}

	diagCode := smtpMsg
	if !dsn.HasCode(diagCode) {
		diagCode = fmt.Sprintf("%d %s", smtpCode, smtpMsg)
	}

	dsnMsg := dsn.Message{
		SMTPUTF8:     m.SMTPUTF8,
		From:         smtp.Path{Localpart: smtp.Localpart(dsnLocalpart), IPDomain: dns.IPDomain{Domain: s.config.HostnameDomain}},
		To:           sender,
		Subject:      subject,
		References:   m.MessageID,
		TextBody:     textBody,
		ReportingMTA: s.config.HostnameDomain.ASCII,
		ArrivalDate:  m.Queued,
	}
	for _, rcpt := range m.Recipients {
		addr, err := smtp.ParseAddress(rcpt)
		if err != nil {
			log.Errorx("parsing recipient address for dsn", err, slog.String("address", rcpt))
			continue
		}
		dsnMsg.Recipients = append(dsnMsg.Recipients, dsn.Recipient{
			FinalRecipient:  addr.Path(),
			Action:          action,
			Status:          status.String(),
			BounceType:      bounceType,
			RemoteMTA:       remoteMTA,
			DiagnosticCode:  diagCode,
			LastAttemptDate: time.Now(),
			FinalLogID:      m.ID,
		})
	}
	if len(dsnMsg.Recipients) == 0 {
		return fmt.Errorf("no valid recipients for dsn for queue message %s", m.ID)
	}

	// Include the original message. Compose only includes the headers of
	// large messages, reading beyond what covers those is wasted.
	if f, err := os.Open(s.queue.MessagePath(m.ID)); err != nil {
		log.Errorx("opening original message for dsn, continuing without", err, slog.String("queuemsg", m.ID))
	} else {
		original, err := io.ReadAll(&mailio.LimitReader{R: f, Limit: 1024 * 1024})
		if err != nil && !errors.Is(err, mailio.ErrLimit) {
			log.Errorx("reading original message for dsn, continuing without", err, slog.String("queuemsg", m.ID))
		} else {
			dsnMsg.Original = original
		}
		err = f.Close()
		log.Check(err, "closing original message file")
	}

	data, err := dsnMsg.Compose(m.SMTPUTF8)
	if err != nil {
		metricServerErrors.WithLabelValues("queuedsn").Inc()
		return fmt.Errorf("composing dsn: %v", err)
	}

	dsnFile, err := os.CreateTemp("", "smtpd-dsn")
	if err != nil {
		metricServerErrors.WithLabelValues("queuedsn").Inc()
		return fmt.Errorf("creating temporary dsn file: %v", err)
	}
	defer func() {
		name := dsnFile.Name()
		err := dsnFile.Close()
		log.Check(err, "closing temporary dsn file")
		err = os.Remove(name)
		log.Check(err, "removing temporary dsn file", slog.String("path", name))
	}()
	if _, err := dsnFile.Write(data); err != nil {
		metricServerErrors.WithLabelValues("queuedsn").Inc()
		return fmt.Errorf("writing dsn file: %v", err)
	}

	// Null reverse path, a failing DSN is never bounced again.
	qm := queue.MakeMsg(smtp.Path{}, sender.IPDomain, []string{sender.XString(m.SMTPUTF8)}, false, m.SMTPUTF8, int64(len(data)), dsnMsg.MessageID, nil)
	if _, hosted := s.domains.Get(ctx, sender.IPDomain.Domain.ASCII); !hosted {
		qm.External = true
		qm.TargetDomain = sender.IPDomain.Domain.ASCII
	}
	if err := s.queue.Add(ctx, log, dsnFile, qm); err != nil {
		metricServerErrors.WithLabelValues("queuedsn").Inc()
		return fmt.Errorf("queueing dsn: %v", err)
	}
	log.Info("dsn queued",
		slog.String("queuemsg", m.ID),
		slog.String("to", sender.LogString()),
		slog.String("status", status.String()),
		slog.String("bouncetype", string(bounceType)))
	return nil
}
