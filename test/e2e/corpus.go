// Package e2e runs the ingest and search flow over a fixed corpus.
package e2e

import (
	"fmt"
	"strings"

	"github.com/hyperjump/kura/internal/indexer"
)

// Doc is one corpus entry. Phrase appears only in this document's text.
type Doc struct {
	ID      string
	Title   string
	Phrase  string
	Content string
}

// Text is what gets ingested for the document.
func (d Doc) Text() string { return d.Title + "\n\n" + d.Content }

// QueryCase is a query and the source ids of which at least one must come back.
type QueryCase struct {
	Query       string
	ExpectedIDs []string
}

// Corpus holds documents and query cases.
type Corpus struct {
	Documents []Doc
	Cases     []QueryCase
}

var topics = []struct {
	title   string
	phrase  string
	content string
}{
		{"Python Guide", "Python programming language", "Python is a high-level programming language. Python programming language is used for web development and data science."},
		{"Kubernetes Docs", "Kubernetes container orchestration", "Kubernetes is an open-source container orchestration platform. Kubernetes container orchestration automates deployment and scaling."},
		{"React Tutorial", "React hooks and components", "React is a JavaScript library. React hooks and components enable building user interfaces."},
		{"Go Language", "Go golang concurrency", "Go is a statically typed language. Go golang concurrency is achieved with goroutines and channels."},
		{"PostgreSQL Manual", "PostgreSQL relational database", "PostgreSQL is an advanced relational database. PostgreSQL relational database supports JSON and full-text search."},
		{"Docker Handbook", "Docker container images", "Docker enables building and shipping applications. Docker container images are portable across environments."},
		{"Machine Learning", "machine learning algorithms", "Machine learning is a subset of AI. Machine learning algorithms learn patterns from data."},
		{"Neural Networks", "neural network deep learning", "Neural networks are inspired by the brain. Neural network deep learning powers modern AI."},
		{"REST API Design", "REST API endpoints", "REST is an architectural style for APIs. REST API endpoints use HTTP methods and status codes."},
		{"GraphQL Overview", "GraphQL query language", "GraphQL is a query language for APIs. GraphQL query language lets clients request exactly what they need."},
		{"TypeScript Handbook", "TypeScript type system", "TypeScript adds static types to JavaScript. TypeScript type system catches errors at compile time."},
		{"Redis Cache", "Redis in-memory cache", "Redis is an in-memory data store. Redis in-memory cache is used for sessions and caching."},
		{"Elasticsearch Guide", "Elasticsearch full-text search", "Elasticsearch is a search and analytics engine. Elasticsearch full-text search scales horizontally."},
		{"AWS Lambda", "AWS Lambda serverless", "AWS Lambda runs code without servers. AWS Lambda serverless scales automatically."},
		{"Terraform IaC", "Terraform infrastructure as code", "Terraform manages cloud infrastructure. Terraform infrastructure as code is declarative."},
		{"Prometheus Metrics", "Prometheus monitoring metrics", "Prometheus is a monitoring system. Prometheus monitoring metrics are time-series based."},
		{"gRPC Overview", "gRPC remote procedure calls", "gRPC is a high-performance RPC framework. gRPC remote procedure calls use HTTP/2 and protobuf."},
		{"OAuth 2.0", "OAuth 2.0 authorization", "OAuth 2.0 is an authorization framework. OAuth 2.0 authorization enables secure delegated access."},
		{"JWT Tokens", "JWT JSON web tokens", "JWT is a compact token format. JWT JSON web tokens are used for authentication."},
		{"CI/CD Pipelines", "CI/CD continuous integration", "CI/CD automates build and deployment. CI/CD continuous integration runs tests on every commit."},
		{"Git Workflow", "Git version control", "Git is a distributed version control system. Git version control tracks changes in source code."},
		{"SQL Basics", "SQL structured query language", "SQL is used to manage relational data. SQL structured query language has SELECT INSERT UPDATE DELETE."},
		{"Microservices", "microservices architecture", "Microservices split an app into small services. Microservices architecture enables independent deployment."},
		{"Kafka Streams", "Apache Kafka streaming", "Apache Kafka is a distributed event stream platform. Apache Kafka streaming handles high throughput."},
		{"Nginx Config", "Nginx reverse proxy", "Nginx is a web server and reverse proxy. Nginx reverse proxy balances load and serves static files."},
		{"OOP Principles", "object-oriented programming", "OOP organizes code around objects. Object-oriented programming uses encapsulation and inheritance."},
		{"Functional Programming", "functional programming paradigm", "Functional programming treats computation as functions. Functional programming paradigm avoids mutable state."},
		{"Design Patterns", "design patterns software", "Design patterns are reusable solutions. Design patterns software includes Singleton and Factory."},
		{"API Versioning", "API versioning strategy", "API versioning allows backward compatibility. API versioning strategy can use URL or headers."},
		{"Database Indexing", "database indexing performance", "Indexes speed up queries. Database indexing performance is critical for large tables."},
		{"Cryptography Basics", "cryptography encryption decryption", "Cryptography secures data. Cryptography encryption decryption uses keys and algorithms."},
		{"HTTPS TLS", "HTTPS TLS SSL certificates", "HTTPS encrypts web traffic. HTTPS TLS SSL certificates verify identity."},
		{"Load Balancing", "load balancing high availability", "Load balancers distribute traffic. Load balancing high availability prevents single points of failure."},
		{"Caching Strategies", "caching strategy cache invalidation", "Caching improves performance. Caching strategy cache invalidation must be designed carefully."},
		{"Event Sourcing", "event sourcing CQRS", "Event sourcing stores state as events. Event sourcing CQRS separates read and write models."},
		{"Domain-Driven Design", "domain-driven design DDD", "DDD focuses on the business domain. Domain-driven design DDD uses aggregates and bounded contexts."},
		{"Agile Scrum", "Agile Scrum sprint", "Agile is an iterative approach. Agile Scrum sprint typically lasts two weeks."},
		{"Unit Testing", "unit testing mock", "Unit tests verify small units of code. Unit testing mock isolates dependencies."},
		{"Integration Testing", "integration testing E2E", "Integration tests verify components together. Integration testing E2E validates full flows."},
		{"Dependency Injection", "dependency injection DI", "DI provides dependencies from outside. Dependency injection DI improves testability."},
		{"Semantic Search", "semantic search embeddings", "Semantic search uses meaning not just keywords. Semantic search embeddings capture context."},
		{"Keyword Search", "keyword search full-text", "Keyword search matches terms. Keyword search full-text uses inverted indexes."},
		{"Hybrid Search", "hybrid search fusion", "Hybrid combines keyword and semantic. Hybrid search fusion improves recall."},
		{"Vector Database", "vector database similarity", "Vector DBs store embeddings. Vector database similarity uses cosine or dot product."},
		{"Embedding Models", "embedding models sentence", "Embeddings represent text as vectors. Embedding models sentence transform text to dense vectors."},
		{"Chunking Strategy", "chunking strategy overlap", "Chunking splits long documents. Chunking strategy overlap preserves context."},
		{"RAG Overview", "RAG retrieval augmented", "RAG combines retrieval and generation. RAG retrieval augmented grounds LLMs in documents."},
		{"LLM Fine-tuning", "LLM fine-tuning training", "Fine-tuning adapts pre-trained models. LLM fine-tuning training requires labeled data."},
		{"Prompt Engineering", "prompt engineering few-shot", "Prompts guide model behavior. Prompt engineering few-shot uses examples in the prompt."},
		{"OpenAPI Spec", "OpenAPI specification", "OpenAPI describes REST APIs. OpenAPI specification is machine-readable."},
		{"WebSocket Protocol", "WebSocket real-time", "WebSockets enable bidirectional communication. WebSocket real-time is used for chat and live updates."},
		{"Message Queue", "message queue asynchronous", "Message queues decouple producers and consumers. Message queue asynchronous enables scaling."},
		{"Rate Limiting", "rate limiting throttling", "Rate limiting protects APIs. Rate limiting throttling can be per-user or global."},
		{"Circuit Breaker", "circuit breaker resilience", "Circuit breaker stops cascading failures. Circuit breaker resilience pattern fails fast."},
		{"Feature Flags", "feature flags rollout", "Feature flags toggle functionality. Feature flags rollout allows gradual release."},
		{"A/B Testing", "A/B testing experiment", "A/B testing compares variants. A/B testing experiment uses statistical significance."},
		{"Logging Best Practices", "logging structured logs", "Structured logging aids debugging. Logging structured logs use JSON or key-value."},
		{"Distributed Tracing", "distributed tracing spans", "Tracing follows requests across services. Distributed tracing spans show latency breakdown."},
		{"Security Headers", "security headers CORS", "Security headers protect browsers. Security headers CORS control cross-origin requests."},
		{"Input Validation", "input validation sanitization", "Validation rejects bad input. Input validation sanitization prevents injection."},
}

// BuildCorpus returns one document per topic and a query per unique phrase.
func BuildCorpus() *Corpus {
	c := &Corpus{Documents: make([]Doc, 0, len(topics))}
	for i, t := range topics {
		c.Documents = append(c.Documents, Doc{
			ID:      fmt.Sprintf("e2e-doc-%03d", i+1),
			Title:   t.title,
			Phrase:  t.phrase,
			Content: t.content,
		})
	}
	for _, d := range c.Documents {
		if uniquePhrase(c.Documents, d) {
			c.Cases = append(c.Cases, QueryCase{Query: d.Phrase, ExpectedIDs: []string{d.ID}})
		}
	}
	return c
}

func uniquePhrase(docs []Doc, target Doc) bool {
	for _, d := range docs {
		if d.ID != target.ID && containsPhrase(d, target.Phrase) {
			return false
		}
	}
	return containsPhrase(target, target.Phrase)
}

func containsPhrase(d Doc, phrase string) bool {
	p := strings.ToLower(phrase)
	return strings.Contains(strings.ToLower(d.Title), p) || strings.Contains(strings.ToLower(d.Content), p)
}

// Sources converts the corpus to ingest sources keyed by document id.
func (c *Corpus) Sources() []indexer.Source {
	out := make([]indexer.Source, len(c.Documents))
	for i, d := range c.Documents {
		out[i] = indexer.Source{
			ID:       d.ID,
			Text:     d.Text(),
			Metadata: map[string]any{"title": d.Title},
		}
	}
	return out
}
