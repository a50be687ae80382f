package probe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCheckCertificate_Valid(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	cs := CheckCertificate(context.Background(), srv.URL+"/api/store")
	if cs == nil {
		t.Fatal("expected a status for an https endpoint")
	}
	if cs.Status != CertValid {
		t.Errorf("status: got %q, want %q", cs.Status, CertValid)
	}
	if cs.DaysLeft <= certWarnDays {
		t.Errorf("days left: got %d", cs.DaysLeft)
	}
	if cs.NotAfter.IsZero() {
		t.Error("not_after not set")
	}
	if cs.Attention() {
		t.Error("valid certificate should not need attention")
	}
}

func TestCheckCertificate_PlainHTTP(t *testing.T) {
	if cs := CheckCertificate(context.Background(), "http://collector.local/store"); cs != nil {
		t.Errorf("expected nil for http endpoint, got %+v", cs)
	}
}

func TestCheckCertificate_Unreachable(t *testing.T) {
	srv := httptest.NewTLSServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	cs := CheckCertificate(context.Background(), url)
	if cs == nil || cs.Status != CertUnreachable {
		t.Fatalf("got %+v, want unreachable", cs)
	}
}

func TestCertStatus_Attention(t *testing.T) {
	for status, want := range map[string]bool{
		CertValid: false, CertExpiring: true, CertExpired: true, CertUnreachable: false,
	} {
		if got := (&CertStatus{Status: status}).Attention(); got != want {
			t.Errorf("Attention(%q) = %v, want %v", status, got, want)
		}
	}
	if (*CertStatus)(nil).Attention() {
		t.Error("nil status should not need attention")
	}
}
