package hl7

import (
	"testing"

	"github.com/stretchr/testify/suite"
)

const sampleADT = "MSH|^~\\&|SENDAPP^1.2|SENDFAC|RECVAPP|RECVFAC|20240101120000||ADT^A01|MSG001|P|2.5\r" +
	"PID|1|PT-2^^^MRN|PT-3^^^MRN||DOE^JANE\r" +
	"OBX|1|ST|GLUCOSE^Blood glucose|||||||||||||||ACC-9^lab"

type MessageSuite struct {
	suite.Suite
}

func TestMessageSuite(t *testing.T) {
	suite.Run(t, new(MessageSuite))
}

func (s *MessageSuite) TestParse() {
	s.Run("accepts MSH-prefixed messages", func() {
		msg, err := Parse(sampleADT)
		s.Require().NoError(err)
		s.NotNil(msg)
	})

	s.Run("rejects non-HL7 input", func() {
		_, err := Parse(`{"resourceType":"Patient"}`)
		s.Error(err)
	})

	s.Run("accepts CRLF line endings", func() {
		msg, err := Parse("MSH|^~\\&|A|B|C|D|20240101||ORU^R01|1|P|2.5\r\nPID|1|X")
		s.Require().NoError(err)
		s.Equal("X", msg.Field("PID", 2))
	})
}

func (s *MessageSuite) TestMSHNumbering() {
	msg, err := Parse(sampleADT)
	s.Require().NoError(err)

	s.Run("MSH-1 is the field separator", func() {
		s.Equal("|", msg.Field("MSH", 1))
	})

	s.Run("MSH-2 is the encoding characters", func() {
		s.Equal("^~\\&", msg.Field("MSH", 2))
	})

	s.Run("MSH-3 onward shift by one", func() {
		s.Equal("SENDAPP^1.2", msg.Field("MSH", 3))
		s.Equal("SENDFAC", msg.Field("MSH", 4))
		s.Equal("ADT^A01", msg.Field("MSH", 9))
		s.Equal("2.5", msg.Field("MSH", 12))
	})
}

func (s *MessageSuite) TestComponent() {
	msg, err := Parse(sampleADT)
	s.Require().NoError(err)

	s.Equal("SENDAPP", msg.Component("MSH", 3, 1))
	s.Equal("1.2", msg.Component("MSH", 3, 2))
	s.Equal("ADT", msg.Component("MSH", 9, 1))
	s.Equal("PT-2", msg.Component("PID", 2, 1))
	s.Equal("PT-3", msg.Component("PID", 3, 1))
	s.Equal("GLUCOSE", msg.Component("OBX", 3, 1))
	s.Equal("ACC-9", msg.Component("OBX", 18, 1))
}

func (s *MessageSuite) TestMissingValues() {
	msg, err := Parse(sampleADT)
	s.Require().NoError(err)

	s.Empty(msg.Field("ZZZ", 1))
	s.Empty(msg.Field("PID", 99))
	s.Empty(msg.Component("PID", 2, 99))
	s.Empty(msg.Field("PID", 0))
}
