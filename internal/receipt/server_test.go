package receipt

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"
	"golang.org/x/crypto/bcrypt"

	"github.com/zombor/receipt-ledger/internal/scanning"
)

var _ = Describe("Server", func() {
	var (
		db          *mockDB
		storage     *mockStorage
		extractor   *mockExtractor
		agent       *mockAgent
		accounts    *Accounts
		server      *Server
		ghttpServer *ghttp.Server
	)

	BeforeEach(func() {
		db = newMockDB()
		storage = newMockStorage()
		extractor = &mockExtractor{text: "ACME\nMILK 3.50"}
		agent = &mockAgent{completion: acmeCompletion, tokens: 12}

		ledger := NewLedgerStore(storage, SchemaWithDate)
		accounts = NewAccountsWithDeps(db, ledger, defaultTimeSource{}, bcrypt.MinCost)
		_, err := accounts.CreateUser("admin", "adminpw", true)
		Expect(err).NotTo(HaveOccurred())
		_, err = accounts.CreateUser("alice", "alicepw", false)
		Expect(err).NotTo(HaveOccurred())
		_, err = accounts.CreateProfile("alice", "groceries")
		Expect(err).NotTo(HaveOccurred())

		service := NewServiceWithDeps(ledger, extractor, agent, 2, fixedIDGenerator{id: "req-1"})
		server = NewServerWithMux(service, accounts, http.NewServeMux())

		ghttpServer = ghttp.NewServer()
		for i := 0; i < 4; i++ {
			ghttpServer.AppendHandlers(server.ServeHTTP)
		}
	})

	AfterEach(func() {
		ghttpServer.Close()
	})

	do := func(method, path, username, password string, body io.Reader, contentType string) *http.Response {
		req, err := http.NewRequest(method, ghttpServer.URL()+path, body)
		Expect(err).NotTo(HaveOccurred())
		if username != "" {
			req.SetBasicAuth(username, password)
		}
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		resp, err := http.DefaultClient.Do(req)
		Expect(err).NotTo(HaveOccurred())
		return resp
	}

	asAlice := func(method, path string, body io.Reader, contentType string) *http.Response {
		return do(method, path, "alice", "alicepw", body, contentType)
	}

	asAdmin := func(method, path string, body io.Reader, contentType string) *http.Response {
		return do(method, path, "admin", "adminpw", body, contentType)
	}

	upload := func(filename string, data []byte, profile string) *http.Response {
		var b bytes.Buffer
		writer := multipart.NewWriter(&b)
		if filename != "" {
			part, err := writer.CreateFormFile("file", filename)
			Expect(err).NotTo(HaveOccurred())
			part.Write(data)
		}
		Expect(writer.WriteField("profile", profile)).To(Succeed())
		Expect(writer.Close()).To(Succeed())
		return asAlice("POST", "/api/uploads", &b, writer.FormDataContentType())
	}

	decode := func(resp *http.Response, v any) {
		defer resp.Body.Close()
		Expect(json.NewDecoder(resp.Body).Decode(v)).To(Succeed())
	}

	Describe("authentication", func() {
		It("challenges requests without credentials", func() {
			resp := do("GET", "/", "", "", nil, "")
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
			Expect(resp.Header.Get("WWW-Authenticate")).To(ContainSubstring("Basic"))
			Expect(resp.Header.Get("Access-Control-Allow-Origin")).To(Equal("*"))
		})

		It("rejects a wrong password", func() {
			resp := do("GET", "/api/me", "alice", "wrong", nil, "")
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
		})

		It("serves the interface to signed-in users", func() {
			resp := asAlice("GET", "/", nil, "")
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			body, err := io.ReadAll(resp.Body)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(body)).To(ContainSubstring("Receipt Ledger"))
		})

		It("answers preflight requests without credentials", func() {
			resp := do("OPTIONS", "/api/uploads", "", "", nil, "")
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
			Expect(resp.Header.Get("Access-Control-Allow-Methods")).To(ContainSubstring("POST"))
		})
	})

	Describe("POST /api/uploads", func() {
		When("the upload succeeds", func() {
			It("returns the records, ledger and diagnostics", func() {
				resp := upload("receipt.png", pngBytes(30, 30), "groceries")
				Expect(resp.StatusCode).To(Equal(http.StatusCreated))

				var result UploadResult
				decode(resp, &result)
				Expect(result.ID).To(Equal("req-1"))
				Expect(result.Records).To(HaveLen(2))
				Expect(result.Ledger.Records).To(HaveLen(2))
				Expect(result.Diagnostics.TokenCount).To(Equal(12))
				Expect(result.Diagnostics.AgentText).To(Equal(acmeCompletion))
			})
		})

		When("no profile is selected", func() {
			It("returns 400 from the session stage", func() {
				resp := upload("receipt.png", pngBytes(30, 30), ProfileNone)
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))

				var body errorResponse
				decode(resp, &body)
				Expect(body.Stage).To(Equal(StageSession))
				Expect(body.Retryable).To(BeFalse())
				Expect(extractor.calls).To(BeZero())
			})
		})

		When("the profile is not in the user's directory", func() {
			It("returns 404", func() {
				resp := upload("receipt.png", pngBytes(30, 30), "travel")
				resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
				Expect(extractor.calls).To(BeZero())
			})
		})

		When("the file type is unsupported", func() {
			It("returns 415", func() {
				resp := upload("receipt.gif", []byte("GIF89a"), "groceries")
				resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusUnsupportedMediaType))
			})
		})

		When("the image cannot be decoded", func() {
			It("returns 422", func() {
				resp := upload("receipt.jpg", []byte("garbage"), "groceries")
				resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusUnprocessableEntity))
			})
		})

		When("OCR is unavailable", func() {
			BeforeEach(func() {
				extractor.err = fmt.Errorf("%w: exec: not found", scanning.ErrExtractionUnavailable)
			})

			It("returns a retryable 503", func() {
				resp := upload("receipt.png", pngBytes(30, 30), "groceries")
				Expect(resp.StatusCode).To(Equal(http.StatusServiceUnavailable))

				var body errorResponse
				decode(resp, &body)
				Expect(body.Stage).To(Equal(StageExtract))
				Expect(body.Retryable).To(BeTrue())
			})
		})

		When("the completion service fails", func() {
			BeforeEach(func() {
				agent.err = fmt.Errorf("%w: openai status 400", scanning.ErrServiceError)
			})

			It("returns 502", func() {
				resp := upload("receipt.png", pngBytes(30, 30), "groceries")
				Expect(resp.StatusCode).To(Equal(http.StatusBadGateway))

				var body errorResponse
				decode(resp, &body)
				Expect(body.Stage).To(Equal(StageStructure))
				Expect(body.Retryable).To(BeFalse())
			})
		})

		When("no file is attached", func() {
			It("returns 400", func() {
				resp := upload("", nil, "groceries")
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))

				var body errorResponse
				decode(resp, &body)
				Expect(body.Error).To(ContainSubstring("No file was selected"))
			})
		})
	})

	Describe("profiles", func() {
		It("lists the user's profiles", func() {
			resp := asAlice("GET", "/api/profiles", nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			var profiles []Profile
			decode(resp, &profiles)
			Expect(profiles).To(HaveLen(1))
			Expect(profiles[0].Name).To(Equal("groceries"))
		})

		It("creates a profile", func() {
			resp := asAlice("POST", "/api/profiles", strings.NewReader(`{"name":"travel"}`), "application/json")
			Expect(resp.StatusCode).To(Equal(http.StatusCreated))
			var profile Profile
			decode(resp, &profile)
			Expect(profile.Name).To(Equal("travel"))
		})

		It("rejects duplicate profiles", func() {
			resp := asAlice("POST", "/api/profiles", strings.NewReader(`{"name":"groceries"}`), "application/json")
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusConflict))
		})

		It("rejects the sentinel names", func() {
			resp := asAlice("POST", "/api/profiles", strings.NewReader(`{"name":"Create New Profile"}`), "application/json")
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})

		It("rejects malformed bodies", func() {
			resp := asAlice("POST", "/api/profiles", strings.NewReader(`{`), "application/json")
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})

		It("deletes a profile", func() {
			resp := asAlice("DELETE", "/api/profiles/groceries", nil, "")
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
			Expect(storage.files).To(BeEmpty())
		})

		It("returns 404 when deleting an unknown profile", func() {
			resp := asAlice("DELETE", "/api/profiles/rent", nil, "")
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})
	})

	Describe("GET /api/profiles/{name}/ledger", func() {
		BeforeEach(func() {
			resp := upload("receipt.png", pngBytes(30, 30), "groceries")
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusCreated))
		})

		It("returns the records oldest first", func() {
			resp := asAlice("GET", "/api/profiles/groceries/ledger", nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			var l Ledger
			decode(resp, &l)
			Expect(l.Columns).To(Equal(SchemaWithDate))
			Expect(l.Records[0].ItemPurchased).To(Equal("Milk"))
		})

		It("returns the newest first for the display order", func() {
			resp := asAlice("GET", "/api/profiles/groceries/ledger?order=recent", nil, "")
			var l Ledger
			decode(resp, &l)
			Expect(l.Records[0].ItemPurchased).To(Equal("Bread"))
		})

		It("does not expose other users' ledgers", func() {
			resp := asAdmin("GET", "/api/profiles/groceries/ledger", nil, "")
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})

		It("downloads the spreadsheet", func() {
			resp := asAlice("GET", "/api/profiles/groceries/ledger.xlsx", nil, "")
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(resp.Header.Get("Content-Type")).To(Equal(xlsxContentType))
			Expect(resp.Header.Get("Content-Disposition")).To(ContainSubstring(`filename=groceries.xlsx`))
			body, err := io.ReadAll(resp.Body)
			Expect(err).NotTo(HaveOccurred())
			path, _ := LedgerPath("alice", "groceries")
			Expect(body).To(Equal(storage.files[path]))
		})
	})

	Describe("GET /api/me", func() {
		It("returns the user without the password hash", func() {
			resp := asAlice("GET", "/api/me", nil, "")
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			body, err := io.ReadAll(resp.Body)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(body)).To(ContainSubstring(`"username":"alice"`))
			Expect(string(body)).To(ContainSubstring(`"groceries"`))
			Expect(string(body)).NotTo(ContainSubstring("password"))
		})
	})

	Describe("user administration", func() {
		It("is forbidden for regular users", func() {
			resp := asAlice("GET", "/api/users", nil, "")
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusForbidden))
		})

		It("lists users for admins", func() {
			resp := asAdmin("GET", "/api/users", nil, "")
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			body, err := io.ReadAll(resp.Body)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(body)).To(ContainSubstring(`"alice"`))
			Expect(string(body)).NotTo(ContainSubstring("password"))
		})

		It("creates users", func() {
			resp := asAdmin("POST", "/api/users", strings.NewReader(`{"username":"bob","password":"pw"}`), "application/json")
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusCreated))
			Expect(db.users).To(HaveKey("bob"))
		})

		It("rejects usernames with upper case letters", func() {
			resp := asAdmin("POST", "/api/users", strings.NewReader(`{"username":"Bob","password":"pw"}`), "application/json")
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})

		It("deletes users and their ledgers", func() {
			resp := asAdmin("DELETE", "/api/users/alice", nil, "")
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
			Expect(db.users).NotTo(HaveKey("alice"))
			Expect(storage.files).To(BeEmpty())
		})

		It("does not let admins delete themselves", func() {
			resp := asAdmin("DELETE", "/api/users/admin", nil, "")
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			Expect(db.users).To(HaveKey("admin"))
		})
	})

	Describe("GET /metrics", func() {
		It("exposes the pipeline metrics", func() {
			resp := upload("receipt.png", pngBytes(30, 30), "groceries")
			resp.Body.Close()

			resp = do("GET", "/metrics", "", "", nil, "")
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			body, err := io.ReadAll(resp.Body)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(body)).To(ContainSubstring("receipt_ledger_pipeline_uploads_total"))
			Expect(string(body)).To(ContainSubstring("receipt_ledger_pipeline_stage_duration_seconds"))
		})
	})
})
