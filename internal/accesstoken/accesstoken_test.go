package accesstoken

import (
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"carehooks/internal/domain"
)

type ServiceSuite struct {
	suite.Suite
	service *Service
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

func (s *ServiceSuite) SetupTest() {
	s.service = NewService("unit-test-key", "carehooks-test")
}

func (s *ServiceSuite) newLogin() (*domain.Login, *domain.Membership) {
	login := &domain.Login{
		ID:         "login-1",
		AuthMethod: "execute",
		UserRef:    domain.Reference("Bot", "b1"),
		Scope:      "openid",
		Granted:    true,
	}
	membership := &domain.Membership{
		ID:        "m1",
		ProjectID: "p1",
		UserRef:   domain.Reference("Bot", "b1"),
		Profile:   domain.Reference("Bot", "b1"),
	}
	return login, membership
}

func (s *ServiceSuite) TestGenerateAndValidate() {
	login, membership := s.newLogin()

	token, err := s.service.Generate(login, membership, time.Hour)
	s.Require().NoError(err)
	s.NotEmpty(token)

	claims, err := s.service.Validate(token)
	s.Require().NoError(err)
	s.Equal("login-1", claims.LoginID)
	s.Equal("openid", claims.Scope)
	s.Equal(domain.Reference("Bot", "b1"), claims.Subject)
	s.Equal("carehooks-test", claims.Issuer)
}

func (s *ServiceSuite) TestExpiredToken() {
	login, membership := s.newLogin()

	token, err := s.service.Generate(login, membership, -time.Minute)
	s.Require().NoError(err)

	_, err = s.service.Validate(token)
	s.Require().Error(err)
	s.Contains(err.Error(), "expired")
}

func (s *ServiceSuite) TestWrongKey() {
	login, membership := s.newLogin()

	token, err := s.service.Generate(login, membership, time.Hour)
	s.Require().NoError(err)

	other := NewService("different-key", "carehooks-test")
	_, err = other.Validate(token)
	s.Error(err)
}

func (s *ServiceSuite) TestGarbageToken() {
	_, err := s.service.Validate("not.a.jwt")
	s.Error(err)
}
